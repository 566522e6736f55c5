package events

import (
	"context"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/rs/zerolog"
)

const (
	TopicState   = "locus.state"
	TopicSession = "locus.session"
)

// StateChanged is emitted on every coordinator transition.
type StateChanged struct {
	Session string `json:"session"`
	From    string `json:"from"`
	To      string `json:"to"`
}

const (
	SessionStarted   = "started"
	SessionCoalesced = "coalesced"
	SessionStopped   = "stopped"
	SessionEnded     = "ended"
)

type SessionChanged struct {
	Session string `json:"session"`
	Mode    string `json:"mode"`
	Action  string `json:"action"`
	Result  string `json:"result,omitempty"`
}

// Bus is a thin wrapper over the event bus that knows the locus topics.
// Handlers run synchronously on the emitting goroutine.
type Bus struct {
	b   *bus.Bus
	log zerolog.Logger
}

func New(logger zerolog.Logger) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), 1, 1577865600000)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicState, TopicSession)
	return &Bus{b: b, log: logger.With().Str("module", "events").Logger()}, nil
}

func (b *Bus) Emit(ctx context.Context, topic string, data interface{}) {
	if b == nil {
		return
	}
	if err := b.b.Emit(ctx, topic, data); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

// Handle registers fn under key for every topic matching matcher.
func (b *Bus) Handle(key, matcher string, fn func(topic string, data interface{})) {
	b.b.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			fn(e.Topic, e.Data)
		},
		Matcher: matcher,
	})
}

func (b *Bus) Unhandle(key string) {
	b.b.DeregisterHandler(key)
}

type Record struct {
	At    time.Time   `json:"at"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// History keeps the last n events of every topic.
type History struct {
	mu   sync.Mutex
	n    int
	recs []Record
}

func NewHistory(b *Bus, n int) *History {
	h := &History{n: n}
	b.Handle("history", ".*", h.add)
	return h
}

func (h *History) add(topic string, data interface{}) {
	h.mu.Lock()
	h.recs = append(h.recs, Record{At: time.Now().UTC(), Topic: topic, Data: data})
	if len(h.recs) > h.n {
		h.recs = h.recs[len(h.recs)-h.n:]
	}
	h.mu.Unlock()
}

func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.recs))
	copy(out, h.recs)
	return out
}

// States returns the To side of every recorded transition of session, in
// order.
func (h *History) States(session string) []string {
	var out []string
	for _, r := range h.Records() {
		if sc, ok := r.Data.(StateChanged); ok && sc.Session == session {
			out = append(out, sc.To)
		}
	}
	return out
}
