package sublist

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/scope"
)

// Sublist fans published results out to its subscriptions. Send never
// blocks: every subscription has its own queue and pump goroutine, so a slow
// reader delays only itself and sees every value in publish order.
type Sublist struct {
	mu        sync.Mutex
	list      map[*Subscription]bool
	latest    locus.Result
	hasLatest bool
	closed    bool
	log       zerolog.Logger
}

func NewSublist(logger zerolog.Logger) *Sublist {
	return &Sublist{
		list: make(map[*Subscription]bool),
		log:  logger.With().Str("module", "sublist").Logger(),
	}
}

type Option func(*Subscription)

// Limit closes the subscription after n values. Zero means unlimited.
func Limit(n int) Option {
	return func(s *Subscription) { s.limit = n }
}

// Subscribe attaches a new subscription. With a nil scope it lives until it
// is closed or the list is closed; otherwise it is also closed when h is
// destroyed and never delivers after that.
func (s *Sublist) Subscribe(h scope.Handle, opts ...Option) *Subscription {
	sub := &Subscription{
		id:     uuid.New(),
		list:   s,
		scope:  h,
		wake:   make(chan struct{}, 1),
		out:    make(chan locus.Result),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	s.mu.Lock()
	if s.closed {
		sub.finishing = true
	} else {
		s.list[sub] = true
	}
	s.mu.Unlock()

	go sub.pump()

	if h != nil {
		unreg := h.OnDestroyed(sub.Close)
		sub.mu.Lock()
		if sub.shut {
			sub.mu.Unlock()
			unreg()
		} else {
			sub.unscope = unreg
			sub.mu.Unlock()
		}
	}
	s.log.Debug().Str("sub", sub.id.String()).Bool("scoped", h != nil).Int("limit", sub.limit).Msg("subscribed")
	return sub
}

func (s *Sublist) Unsubscribe(sub *Subscription) {
	sub.Close()
}

func (s *Sublist) remove(sub *Subscription) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Send(r locus.Result) {
	s.mu.Lock()
	s.latest = r
	s.hasLatest = true
	for sub := range s.list {
		closed := sub.push(r)
		if closed {
			delete(s.list, sub)
		}
	}
	s.mu.Unlock()
}

// Latest returns the most recently sent result. It is not replayed to
// subscriptions created afterwards.
func (s *Sublist) Latest() (locus.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *Sublist) detach() map[*Subscription]bool {
	s.mu.Lock()
	s.closed = true
	subs := s.list
	s.list = make(map[*Subscription]bool)
	s.mu.Unlock()
	return subs
}

// Close closes every subscription immediately, dropping queued values. When
// it returns no subscription delivers anything more.
func (s *Sublist) Close() {
	for sub := range s.detach() {
		sub.Close()
	}
}

// Finish lets every subscription drain what is already queued and then
// closes it. Later Sends are ignored.
func (s *Sublist) Finish() {
	s.mu.Lock()
	s.closed = true
	for sub := range s.list {
		sub.finish()
	}
	s.list = make(map[*Subscription]bool)
	s.mu.Unlock()
}

type Subscription struct {
	id    uuid.UUID
	list  *Sublist
	scope scope.Handle
	limit int

	mu        sync.Mutex
	queue     []locus.Result
	accepted  int
	finishing bool
	shut      bool
	unscope   func()

	wake   chan struct{}
	out    chan locus.Result
	done   chan struct{}
	exited chan struct{}
}

func (sub *Subscription) ID() string {
	return sub.id.String()
}

// C delivers the results. It is closed when the subscription ends.
func (sub *Subscription) C() <-chan locus.Result {
	return sub.out
}

// Done is closed once the subscription stops accepting values.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// Close detaches the subscription and waits for its pump to exit. Queued
// values are dropped. Safe to call more than once and from any goroutine.
func (sub *Subscription) Close() {
	sub.shutdown()
	<-sub.exited
}

func (sub *Subscription) shutdown() {
	sub.mu.Lock()
	if sub.shut {
		sub.mu.Unlock()
		return
	}
	sub.shut = true
	unscope := sub.unscope
	sub.unscope = nil
	close(sub.done)
	sub.mu.Unlock()

	sub.list.remove(sub)
	if unscope != nil {
		unscope()
	}
}

// push queues r and reports whether the subscription is gone.
func (sub *Subscription) push(r locus.Result) bool {
	sub.mu.Lock()
	if sub.shut {
		sub.mu.Unlock()
		return true
	}
	if sub.finishing {
		sub.mu.Unlock()
		return false
	}
	sub.queue = append(sub.queue, r)
	sub.accepted++
	if sub.limit > 0 && sub.accepted >= sub.limit {
		sub.finishing = true
	}
	sub.mu.Unlock()
	sub.notify()
	return false
}

func (sub *Subscription) finish() {
	sub.mu.Lock()
	sub.finishing = true
	sub.mu.Unlock()
	sub.notify()
}

func (sub *Subscription) notify() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Subscription) pump() {
	defer close(sub.exited)
	defer close(sub.out)

	var scopeDone <-chan struct{}
	if sub.scope != nil {
		scopeDone = sub.scope.Done()
	}
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			finishing := sub.finishing
			sub.mu.Unlock()
			if finishing {
				sub.shutdown()
				return
			}
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			case <-scopeDone:
				sub.shutdown()
				return
			}
		}
		r := sub.queue[0]
		sub.queue[0] = locus.Result{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case <-sub.done:
			return
		case <-scopeDone:
			sub.shutdown()
			return
		default:
		}
		select {
		case sub.out <- r:
		case <-sub.done:
			return
		case <-scopeDone:
			sub.shutdown()
			return
		}
	}
}
