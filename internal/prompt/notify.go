package prompt

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrUnknownNotification = errors.New("prompt: unknown notification")

type Notification struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Created time.Time `json:"created"`
}

type note struct {
	n     Notification
	onTap func()
}

// Notifier keeps persistent notifications until they are tapped or cleared.
type Notifier struct {
	log zerolog.Logger

	mu    sync.Mutex
	notes map[string]*note
}

func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{
		log:   logger.With().Str("module", "notifier").Logger(),
		notes: make(map[string]*note),
	}
}

// Notify raises a notification. onTap runs once, on the tapping goroutine,
// when the notification is tapped.
func (n *Notifier) Notify(title, body string, onTap func()) string {
	id := uuid.NewString()
	n.mu.Lock()
	n.notes[id] = &note{n: Notification{ID: id, Title: title, Body: body, Created: time.Now()}, onTap: onTap}
	n.mu.Unlock()
	n.log.Info().Str("notification", id).Str("title", title).Msg("notification raised")
	return id
}

// Tap removes the notification and runs its tap action.
func (n *Notifier) Tap(id string) error {
	n.mu.Lock()
	e, ok := n.notes[id]
	delete(n.notes, id)
	n.mu.Unlock()
	if !ok {
		return ErrUnknownNotification
	}
	n.log.Info().Str("notification", id).Msg("notification tapped")
	if e.onTap != nil {
		e.onTap()
	}
	return nil
}

// Clear removes the notification without running its action. Unknown ids
// are ignored.
func (n *Notifier) Clear(id string) {
	n.mu.Lock()
	_, ok := n.notes[id]
	delete(n.notes, id)
	n.mu.Unlock()
	if ok {
		n.log.Debug().Str("notification", id).Msg("notification cleared")
	}
}

func (n *Notifier) List() []Notification {
	n.mu.Lock()
	out := make([]Notification, 0, len(n.notes))
	for _, e := range n.notes {
		out = append(out, e.n)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Foreground counts attached interactive clients. The host is in the
// foreground while at least one is attached.
type Foreground struct {
	mu sync.Mutex
	n  int
}

func (f *Foreground) Attach() (detach func()) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.n--
			f.mu.Unlock()
		})
	}
}

func (f *Foreground) InForeground() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n > 0
}
