package scope

import (
	"context"
	"sync"
)

// Handle is a lifetime owned by the caller. Once Done is closed the handle
// is destroyed for good.
type Handle interface {
	Done() <-chan struct{}
	// OnDestroyed registers fn to run once the handle is destroyed, or right
	// away if it already is. The returned func unregisters fn.
	OnDestroyed(fn func()) (unregister func())
}

// Scope is a Handle destroyed by an explicit call to Destroy.
type Scope struct {
	mu        sync.Mutex
	done      chan struct{}
	next      uint64
	callbacks map[uint64]func()
}

func New() *Scope {
	return &Scope{done: make(chan struct{}), callbacks: make(map[uint64]func())}
}

func (s *Scope) Done() <-chan struct{} {
	return s.done
}

func (s *Scope) Destroyed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Scope) OnDestroyed(fn func()) func() {
	s.mu.Lock()
	if s.Destroyed() {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	id := s.next
	s.next++
	s.callbacks[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.callbacks, id)
		s.mu.Unlock()
	}
}

// Destroy closes Done and runs the registered callbacks. Calls after the
// first are no-ops.
func (s *Scope) Destroy() {
	s.mu.Lock()
	if s.Destroyed() {
		s.mu.Unlock()
		return
	}
	close(s.done)
	cbs := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

// FromContext returns a Handle destroyed when ctx is done. It is how a
// request or connection lifetime is turned into a subscription scope.
func FromContext(ctx context.Context) Handle {
	s := New()
	go func() {
		<-ctx.Done()
		s.Destroy()
	}()
	return s
}
