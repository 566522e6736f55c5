package sublist

import (
	"context"
	"errors"

	"nuha.dev/locus/internal/locus"
)

var ErrClosed = errors.New("sublist: subscription closed")

// Watch calls fn for every value of sub on its own goroutine. The returned
// channel is closed after the subscription ends and fn has returned for the
// last time. A panicking fn is logged and does not stop the watch.
func Watch(sub *Subscription, fn func(locus.Result)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range sub.C() {
			sub.call(fn, r)
		}
	}()
	return done
}

func (sub *Subscription) call(fn func(locus.Result), r locus.Result) {
	defer func() {
		if p := recover(); p != nil {
			sub.list.log.Error().Interface("panic", p).Str("sub", sub.ID()).Msg("subscriber handler panicked")
		}
	}()
	fn(r)
}

// Once waits for the first value of sub and then closes it.
func Once(ctx context.Context, sub *Subscription) (locus.Result, error) {
	defer sub.Close()
	select {
	case r, ok := <-sub.C():
		if !ok {
			return locus.Result{}, ErrClosed
		}
		return r, nil
	case <-ctx.Done():
		return locus.Result{}, ctx.Err()
	}
}
