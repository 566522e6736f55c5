// Package prompt implements the host-side surfaces the coordinator talks to:
// a queue of pending user prompts, the permission surface built on it,
// persistent notifications and the foreground tracker.
package prompt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nuha.dev/locus/internal/settings"
)

var ErrUnknownPrompt = errors.New("prompt: unknown or already answered")

type Kind string

const (
	KindRationale  Kind = "rationale"
	KindRequest    Kind = "request"
	KindBlocked    Kind = "blocked"
	KindResolution Kind = "resolution"
)

// Prompt is one question waiting for the user.
type Prompt struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Permissions []string  `json:"permissions,omitempty"`
	Token       string    `json:"token,omitempty"`
	Created     time.Time `json:"created"`
}

// Answer is the user's reply. Accept answers rationale, blocked and
// resolution prompts. Granted and DontAskAgain answer a request prompt;
// Granted also carries what was switched on from a blocked prompt.
type Answer struct {
	Accept       bool     `json:"accept"`
	Granted      []string `json:"granted,omitempty"`
	DontAskAgain bool     `json:"dont_ask_again,omitempty"`
}

type pending struct {
	p  Prompt
	ch chan Answer
}

// Queue holds prompts until they are answered or their asker gives up.
type Queue struct {
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	waiters []chan struct{}
}

func NewQueue(logger zerolog.Logger) *Queue {
	return &Queue{
		log:     logger.With().Str("module", "prompt").Logger(),
		pending: make(map[string]*pending),
	}
}

// Ask queues p and blocks until it is answered or ctx is done.
func (q *Queue) Ask(ctx context.Context, p Prompt) (Answer, error) {
	p.ID = uuid.NewString()
	p.Created = time.Now()
	e := &pending{p: p, ch: make(chan Answer, 1)}

	q.mu.Lock()
	q.pending[p.ID] = e
	q.notifyLocked()
	q.mu.Unlock()
	q.log.Info().Str("prompt", p.ID).Str("kind", string(p.Kind)).Strs("permissions", p.Permissions).Msg("prompt shown")

	select {
	case a := <-e.ch:
		return a, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, p.ID)
		q.mu.Unlock()
		// an answer may have raced the cancellation
		select {
		case a := <-e.ch:
			return a, nil
		default:
		}
		q.log.Info().Str("prompt", p.ID).Msg("prompt abandoned")
		return Answer{}, ctx.Err()
	}
}

// Answer resolves the prompt with the given id.
func (q *Queue) Answer(id string, a Answer) error {
	q.mu.Lock()
	e, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return ErrUnknownPrompt
	}
	q.log.Info().Str("prompt", id).Bool("accept", a.Accept).Strs("granted", a.Granted).Msg("prompt answered")
	e.ch <- a
	return nil
}

// Pending lists the unanswered prompts, oldest first.
func (q *Queue) Pending() []Prompt {
	q.mu.Lock()
	out := make([]Prompt, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.p)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Wait blocks until a prompt is queued after the call, or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	q.mu.Lock()
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

func (q *Queue) notifyLocked() {
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
}

// PromptResolution asks the user to change the device setting named by token.
func (q *Queue) PromptResolution(ctx context.Context, token settings.Token) (settings.Answer, error) {
	a, err := q.Ask(ctx, Prompt{Kind: KindResolution, Token: string(token)})
	if err != nil {
		return settings.Declined, err
	}
	if a.Accept {
		return settings.Accepted, nil
	}
	return settings.Declined, nil
}
