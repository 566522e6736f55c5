package sublist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/scope"
)

func fix(i int) locus.Result {
	return locus.Success(locus.Location{Latitude: float64(i)})
}

func collect(t *testing.T, sub *Subscription, n int) []locus.Result {
	t.Helper()
	out := make([]locus.Result, 0, n)
	for len(out) < n {
		select {
		case r, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, r)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out", "got %d of %d", len(out), n)
		}
	}
	return out
}

func assertClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case r, ok := <-sub.C():
		assert.False(t, ok, "unexpected value %+v", r)
	case <-time.After(2 * time.Second):
		assert.Fail(t, "subscription not closed")
	}
}

func TestOrderNoDrops(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	a := l.Subscribe(nil)
	b := l.Subscribe(nil)
	for i := 0; i < 500; i++ {
		l.Send(fix(i))
	}
	for _, sub := range []*Subscription{a, b} {
		got := collect(t, sub, 500)
		require.Len(t, got, 500)
		for i, r := range got {
			assert.Equal(t, float64(i), r.Location.Latitude)
		}
	}
	a.Close()
	b.Close()
	assert.Equal(t, 0, l.Len())
}

func TestLimit(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	one := l.Subscribe(nil, Limit(1))
	l.Send(fix(1))
	l.Send(fix(2))
	got := collect(t, one, 1)
	assert.Equal(t, 1.0, got[0].Location.Latitude)
	assertClosed(t, one)
}

func TestCloseStopsDelivery(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	sub := l.Subscribe(nil)
	l.Send(fix(1))
	l.Send(fix(2))
	sub.Close()
	l.Send(fix(3))
	assertClosed(t, sub)
	assert.Equal(t, 0, l.Len())
}

func TestScopeDestroyDetaches(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	s := scope.New()
	sub := l.Subscribe(s)
	durable := l.Subscribe(nil)

	l.Send(fix(1))
	assert.Equal(t, 1.0, collect(t, sub, 1)[0].Location.Latitude)

	s.Destroy()
	l.Send(fix(2))
	assertClosed(t, sub)
	assert.Equal(t, 1, l.Len())

	got := collect(t, durable, 2)
	assert.Len(t, got, 2)
	durable.Close()
}

func TestSubscribeDestroyedScope(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	s := scope.New()
	s.Destroy()
	sub := l.Subscribe(s)
	l.Send(fix(1))
	assertClosed(t, sub)
	assert.Equal(t, 0, l.Len())
}

func TestFinishDrains(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	sub := l.Subscribe(nil)
	l.Send(fix(1))
	l.Send(locus.Failure(locus.ErrPermissionDenied))
	l.Finish()
	l.Send(fix(3))

	got := collect(t, sub, 3)
	require.Len(t, got, 2)
	assert.True(t, locus.IsDenied(got[1].Err))
	assertClosed(t, sub)

	late := l.Subscribe(nil)
	assertClosed(t, late)
}

func TestListClose(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	subs := []*Subscription{l.Subscribe(nil), l.Subscribe(scope.New())}
	l.Send(fix(1))
	l.Close()
	for _, sub := range subs {
		select {
		case <-sub.Done():
		default:
			t.Fatal("subscription not done after list close")
		}
	}
}

func TestLatest(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	_, ok := l.Latest()
	assert.False(t, ok)
	l.Send(fix(7))
	r, ok := l.Latest()
	assert.True(t, ok)
	assert.Equal(t, 7.0, r.Location.Latitude)

	sub := l.Subscribe(nil)
	select {
	case <-sub.C():
		t.Fatal("latest must not be replayed")
	case <-time.After(20 * time.Millisecond):
	}
	sub.Close()
}

func TestWatchRecoversPanic(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	sub := l.Subscribe(nil, Limit(3))
	var mu sync.Mutex
	var seen []float64
	done := Watch(sub, func(r locus.Result) {
		mu.Lock()
		seen = append(seen, r.Location.Latitude)
		mu.Unlock()
		if r.Location.Latitude == 2 {
			panic("boom")
		}
	})
	for i := 1; i <= 3; i++ {
		l.Send(fix(i))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not finish")
	}
	assert.Equal(t, []float64{1, 2, 3}, seen)
}

func TestOnce(t *testing.T) {
	l := NewSublist(zerolog.Nop())
	sub := l.Subscribe(nil)
	go l.Send(fix(5))
	r, err := Once(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, 5.0, r.Location.Latitude)
	assert.Equal(t, 0, l.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Once(ctx, l.Subscribe(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Finish()
	_, err = Once(context.Background(), l.Subscribe(nil))
	assert.ErrorIs(t, err, ErrClosed)
}
