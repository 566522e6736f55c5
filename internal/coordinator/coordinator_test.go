package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/locus/internal/backend"
	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/events"
	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/permission"
	"nuha.dev/locus/internal/prompt"
	"nuha.dev/locus/internal/scope"
	"nuha.dev/locus/internal/settings"
	"nuha.dev/locus/internal/store"
	"nuha.dev/locus/internal/store/impl/memstore"
	"nuha.dev/locus/internal/sublist"
)

const wait = 2 * time.Second

type fakeReg struct {
	oneShot bool
	cfg     config.Configuration
	sink    backend.Sink
	done    backend.Done

	mu      sync.Mutex
	stopped bool
}

func (r *fakeReg) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *fakeReg) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *fakeReg) push(res locus.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.sink(res)
	if r.oneShot || !res.IsSuccess() {
		r.stopped = true
	}
}

type fakeBackend struct {
	mu      sync.Mutex
	states  []settings.State
	checks  int
	regs    []*fakeReg
	stopAll int
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) CheckSettings(ctx context.Context, cfg config.Configuration) settings.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checks++
	if len(b.states) == 0 {
		return settings.SatisfiedState()
	}
	st := b.states[0]
	if len(b.states) > 1 {
		b.states = b.states[1:]
	}
	return st
}

// finish ends the registration the way an exhausted provider does.
func (r *fakeReg) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.done()
}

func (b *fakeBackend) add(cfg config.Configuration, sink backend.Sink, done backend.Done, oneShot bool) backend.Registration {
	r := &fakeReg{oneShot: oneShot, cfg: cfg, sink: sink, done: done}
	b.mu.Lock()
	b.regs = append(b.regs, r)
	b.mu.Unlock()
	return r
}

func (b *fakeBackend) StartContinuous(cfg config.Configuration, sink backend.Sink, done backend.Done) backend.Registration {
	return b.add(cfg, sink, done, false)
}

func (b *fakeBackend) GetSingleUpdate(cfg config.Configuration, sink backend.Sink) backend.Registration {
	return b.add(cfg, sink, nil, true)
}

// fixClient is a vendor client for running the real provider under the
// coordinator.
type fixClient struct {
	mu        sync.Mutex
	listeners []backend.Listener
}

func (f *fixClient) Name() string                       { return "fix" }
func (f *fixClient) Available(ctx context.Context) bool { return true }

func (f *fixClient) CheckSettings(ctx context.Context, cfg config.Configuration) settings.State {
	return settings.SatisfiedState()
}

func (f *fixClient) LastLocation(ctx context.Context) (locus.Location, error) {
	return locus.Location{}, backend.ErrNoLastLocation
}

func (f *fixClient) RequestUpdates(cfg config.Configuration, l backend.Listener) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
	i := len(f.listeners) - 1
	return func() {
		f.mu.Lock()
		f.listeners[i] = backend.Listener{}
		f.mu.Unlock()
	}, nil
}

func (f *fixClient) live() []backend.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.Listener
	for _, l := range f.listeners {
		if l.OnLocation != nil {
			out = append(out, l)
		}
	}
	return out
}

func (f *fixClient) emit(t *testing.T, lat float64) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.live()) == 1 }, wait, time.Millisecond)
	for _, l := range f.live() {
		l.OnLocation(*fix(lat).Location)
	}
}

func (b *fakeBackend) Stop() {
	b.mu.Lock()
	b.stopAll++
	regs := append([]*fakeReg(nil), b.regs...)
	b.mu.Unlock()
	for _, r := range regs {
		r.Stop()
	}
}

func (b *fakeBackend) registrations() []*fakeReg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeReg(nil), b.regs...)
}

func (b *fakeBackend) checkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checks
}

type harness struct {
	t        *testing.T
	c        *Coordinator
	be       *fakeBackend
	st       *memstore.Store
	q        *prompt.Queue
	notifier *prompt.Notifier
	fg       *prompt.Foreground
	history  *events.History
}

type harnessOpt func(*Params)

func withoutBackend() harnessOpt {
	return func(p *Params) { p.Backend = nil }
}

func withProvider(c backend.Client) harnessOpt {
	return func(p *Params) { p.Backend = backend.NewProvider(c, zerolog.Nop()) }
}

func withDefaults(opts ...config.Option) harnessOpt {
	return func(p *Params) {
		cfg, err := config.New(opts...)
		if err != nil {
			panic(err)
		}
		p.Defaults = &cfg
	}
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	log := zerolog.Nop()
	h := &harness{t: t, be: &fakeBackend{}, st: memstore.New(100)}
	h.q = prompt.NewQueue(log)
	h.notifier = prompt.NewNotifier(log)
	h.fg = &prompt.Foreground{}
	bus, err := events.New(log)
	require.NoError(t, err)
	h.history = events.NewHistory(bus, 1000)

	host := prompt.NewHost(h.q, h.st, log)
	p := &Params{
		Backend:     h.be,
		Negotiator:  permission.NewNegotiator(host, h.st, permission.Policy{}, log),
		Resolver:    h.q,
		Notifier:    h.notifier,
		Foreground:  h.fg,
		Events:      bus,
		Recorder:    h.st,
		SessionSalt: "test",
		Logger:      log,
	}
	for _, o := range opts {
		o(p)
	}
	c, err := New(p)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(c.Close)
	return h
}

// foreground attaches an interactive client for the rest of the test.
func (h *harness) foreground() {
	detach := h.fg.Attach()
	h.t.Cleanup(detach)
}

func (h *harness) grant(p permission.Permission) {
	require.NoError(h.t, h.st.SetGrant(context.Background(), string(p), store.Grant{Granted: true}))
}

func (h *harness) nextPrompt(kind prompt.Kind) prompt.Prompt {
	h.t.Helper()
	var p prompt.Prompt
	require.Eventually(h.t, func() bool {
		ps := h.q.Pending()
		if len(ps) == 0 {
			return false
		}
		p = ps[0]
		return true
	}, wait, time.Millisecond)
	require.Equal(h.t, kind, p.Kind)
	return p
}

func (h *harness) answer(kind prompt.Kind, a prompt.Answer) {
	h.t.Helper()
	p := h.nextPrompt(kind)
	require.NoError(h.t, h.q.Answer(p.ID, a))
}

func (h *harness) waitReg(n int) *fakeReg {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.be.registrations()) >= n }, wait, time.Millisecond)
	return h.be.registrations()[n-1]
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.c.State() == s }, wait, time.Millisecond)
}

func (h *harness) sessionID() string {
	h.t.Helper()
	for _, r := range h.history.Records() {
		if sc, ok := r.Data.(events.SessionChanged); ok && sc.Action == events.SessionStarted {
			return sc.Session
		}
	}
	h.t.Fatal("no session started")
	return ""
}

func recv(t *testing.T, sub *sublist.Subscription) locus.Result {
	t.Helper()
	select {
	case r, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return r
	case <-time.After(wait):
		t.Fatal("no result")
	}
	return locus.Result{}
}

func requireClosed(t *testing.T, sub *sublist.Subscription) {
	t.Helper()
	select {
	case r, ok := <-sub.C():
		require.False(t, ok, "unexpected result %+v", r)
	case <-time.After(wait):
		t.Fatal("subscription not closed")
	}
}

func fix(lat float64) locus.Result {
	return locus.Success(locus.Location{Latitude: lat, Longitude: 106.8, Accuracy: 4, Timestamp: time.Now().UTC()})
}

func TestGrantedAndSatisfiedGoesActive(t *testing.T) {
	h := newHarness(t, withDefaults(config.WithInterval(time.Second)))
	h.grant(permission.Location)

	sub := h.c.StartLocationUpdates(nil)
	reg := h.waitReg(1)
	assert.False(t, reg.oneShot)
	assert.Equal(t, time.Second, reg.cfg.Interval)
	h.waitState(Active)
	assert.Empty(t, h.q.Pending())

	reg.push(fix(-6.2))
	r := recv(t, sub)
	require.True(t, r.IsSuccess())
	assert.Equal(t, -6.2, r.Location.Latitude)

	id := h.sessionID()
	assert.Equal(t, []string{"checking_permission", "checking_settings", "active"}, h.history.States(id))

	h.c.Stop()
	requireClosed(t, sub)
	require.Eventually(t, reg.isStopped, wait, time.Millisecond)
	assert.Equal(t, Idle, h.c.State())
	assert.Equal(t, []string{"checking_permission", "checking_settings", "active", "idle"}, h.history.States(id))
}

func TestCoalescing(t *testing.T) {
	h := newHarness(t)
	h.foreground()

	const n = 10
	subs := make([]*sublist.Subscription, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i] = h.c.StartLocationUpdates(nil)
		}(i)
	}
	wg.Wait()

	h.answer(prompt.KindRequest, prompt.Answer{Granted: []string{string(permission.Location)}})
	reg := h.waitReg(1)
	h.waitState(Active)
	assert.Empty(t, h.q.Pending())

	reg.push(fix(1))
	reg.push(fix(2))
	for _, sub := range subs {
		assert.Equal(t, 1.0, recv(t, sub).Location.Latitude)
		assert.Equal(t, 2.0, recv(t, sub).Location.Latitude)
	}
	assert.Len(t, h.be.registrations(), 1)
	assert.Equal(t, 1, h.be.checkCount())

	coalesced := 0
	for _, r := range h.history.Records() {
		if sc, ok := r.Data.(events.SessionChanged); ok && sc.Action == events.SessionCoalesced {
			coalesced++
		}
	}
	assert.Equal(t, n-1, coalesced)
}

func TestOneShotDeliversExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)

	sub := h.c.GetCurrentLocation(nil)
	reg := h.waitReg(1)
	assert.True(t, reg.oneShot)

	reg.push(fix(3))
	reg.push(fix(4))
	assert.Equal(t, 3.0, recv(t, sub).Location.Latitude)
	requireClosed(t, sub)
	h.waitState(Idle)

	// the next call starts a new session
	sub2 := h.c.GetCurrentLocation(nil)
	reg2 := h.waitReg(2)
	reg2.push(fix(5))
	assert.Equal(t, 5.0, recv(t, sub2).Location.Latitude)
	requireClosed(t, sub2)
}

func TestOneShotJoinsContinuousSession(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)

	cont := h.c.StartLocationUpdates(nil)
	reg := h.waitReg(1)
	h.waitState(Active)
	once := h.c.GetCurrentLocation(nil)

	reg.push(fix(1))
	reg.push(fix(2))
	assert.Equal(t, 1.0, recv(t, once).Location.Latitude)
	requireClosed(t, once)
	assert.Equal(t, 1.0, recv(t, cont).Location.Latitude)
	assert.Equal(t, 2.0, recv(t, cont).Location.Latitude)
	assert.Equal(t, Active, h.c.State())
	assert.Len(t, h.be.registrations(), 1)
}

func TestNoDeliveryAfterStop(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)

	sub := h.c.StartLocationUpdates(nil)
	reg := h.waitReg(1)
	h.waitState(Active)

	// a sink call racing the stop
	started := make(chan struct{})
	go func() {
		close(started)
		for i := 0; i < 100; i++ {
			reg.sink(fix(float64(i)))
		}
	}()
	<-started
	h.c.Stop()

	for range sub.C() {
	}
	reg.sink(fix(99))
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	default:
	}
	require.Eventually(t, reg.isStopped, wait, time.Millisecond)
}

func TestExhaustedSessionReturnsToIdle(t *testing.T) {
	fc := &fixClient{}
	h := newHarness(t, withProvider(fc), withDefaults(config.WithNumUpdates(1)))
	h.grant(permission.Location)

	first := h.c.StartLocationUpdates(nil)
	fc.emit(t, 1)
	assert.Equal(t, 1.0, recv(t, first).Location.Latitude)
	requireClosed(t, first)
	h.waitState(Idle)

	second := h.c.StartLocationUpdates(nil)
	fc.emit(t, 2)
	assert.Equal(t, 2.0, recv(t, second).Location.Latitude)
	requireClosed(t, second)
	h.waitState(Idle)

	ended := 0
	for _, r := range h.history.Records() {
		if sc, ok := r.Data.(events.SessionChanged); ok && sc.Action == events.SessionEnded {
			assert.Equal(t, "completed", sc.Result)
			ended++
		}
	}
	assert.Equal(t, 2, ended)
}

func TestExpiredSessionReturnsToIdle(t *testing.T) {
	fc := &fixClient{}
	h := newHarness(t, withProvider(fc), withDefaults(config.WithExpiration(30*time.Millisecond)))
	h.grant(permission.Location)

	sub := h.c.StartLocationUpdates(nil)
	requireClosed(t, sub)
	h.waitState(Idle)
	assert.Empty(t, fc.live())

	require.NoError(t, h.c.Configure(config.Default()))
	again := h.c.StartLocationUpdates(nil)
	fc.emit(t, 1)
	assert.Equal(t, 1.0, recv(t, again).Location.Latitude)
}

func TestFinishedRegistrationDrainsSubscribers(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)

	sub := h.c.StartLocationUpdates(nil)
	reg := h.waitReg(1)
	h.waitState(Active)
	reg.push(fix(1))
	reg.finish()

	assert.Equal(t, 1.0, recv(t, sub).Location.Latitude)
	requireClosed(t, sub)
	h.waitState(Idle)

	late := h.c.StartLocationUpdates(nil)
	next := h.waitReg(2)
	assert.NotSame(t, reg, next)
	next.push(fix(2))
	assert.Equal(t, 2.0, recv(t, late).Location.Latitude)
}

func TestRationaleDeclined(t *testing.T) {
	h := newHarness(t)
	h.foreground()
	require.NoError(t, h.st.SetGrant(context.Background(), string(permission.Location), store.Grant{Rationale: true}))

	sub := h.c.StartLocationUpdates(nil)
	h.answer(prompt.KindRationale, prompt.Answer{Accept: false})

	r := recv(t, sub)
	assert.True(t, locus.IsDenied(r.Err))
	requireClosed(t, sub)
	h.waitState(Idle)
	assert.Empty(t, h.be.registrations())
}

func TestRationaleAcceptedThenGranted(t *testing.T) {
	h := newHarness(t)
	h.foreground()
	require.NoError(t, h.st.SetGrant(context.Background(), string(permission.Location), store.Grant{Rationale: true}))

	sub := h.c.StartLocationUpdates(nil)
	h.answer(prompt.KindRationale, prompt.Answer{Accept: true})
	assert.True(t, h.c.RequestingPermission())
	h.answer(prompt.KindRequest, prompt.Answer{Granted: []string{string(permission.Location)}})

	reg := h.waitReg(1)
	h.waitState(Active)
	assert.False(t, h.c.RequestingPermission())
	reg.push(fix(7))
	assert.True(t, recv(t, sub).IsSuccess())

	id := h.sessionID()
	assert.Equal(t, []string{"checking_permission", "requesting_permission", "checking_settings", "active"}, h.history.States(id))
}

func TestSilentDenialThenBlocked(t *testing.T) {
	h := newHarness(t)
	h.foreground()

	// first denial without rationale is only a denial
	sub := h.c.StartLocationUpdates(nil)
	h.answer(prompt.KindRequest, prompt.Answer{DontAskAgain: true})
	assert.True(t, locus.IsDenied(recv(t, sub).Err))
	h.waitState(Idle)

	// the next attempt finds the permission blocked
	sub = h.c.StartLocationUpdates(nil)
	h.answer(prompt.KindBlocked, prompt.Answer{Accept: false})
	assert.True(t, locus.IsPermanentlyDenied(recv(t, sub).Err))
	h.waitState(Idle)

	// granting from the settings page recovers
	sub = h.c.StartLocationUpdates(nil)
	h.answer(prompt.KindBlocked, prompt.Answer{Accept: true, Granted: []string{string(permission.Location)}})
	h.waitReg(1)
	h.waitState(Active)
	h.c.Stop()
	requireClosed(t, sub)
}

func TestBackgroundPromptWaitsForNotification(t *testing.T) {
	h := newHarness(t)

	sub := h.c.StartLocationUpdates(nil)
	h.waitState(RequestingPermission)
	require.Eventually(t, func() bool { return len(h.notifier.List()) == 1 }, wait, time.Millisecond)
	assert.True(t, h.c.RequestingPermission())
	assert.Empty(t, h.q.Pending())

	// stop is a no-op while the permission is being requested
	h.c.Stop()
	assert.Equal(t, RequestingPermission, h.c.State())

	require.NoError(t, h.notifier.Tap(h.notifier.List()[0].ID))
	h.answer(prompt.KindRequest, prompt.Answer{Granted: []string{string(permission.Location)}})
	reg := h.waitReg(1)
	h.waitState(Active)
	assert.Empty(t, h.notifier.List())

	reg.push(fix(8))
	assert.True(t, recv(t, sub).IsSuccess())
}

func TestBackgroundPassNeedsTapToo(t *testing.T) {
	h := newHarness(t, withDefaults(config.WithBackgroundUpdates(true, true)))
	h.grant(permission.Location)

	sub := h.c.StartLocationUpdates(nil)
	require.Eventually(t, func() bool { return len(h.notifier.List()) == 1 }, wait, time.Millisecond)
	require.NoError(t, h.notifier.Tap(h.notifier.List()[0].ID))
	p := h.nextPrompt(prompt.KindRequest)
	assert.Equal(t, []string{string(permission.Background)}, p.Permissions)
	require.NoError(t, h.q.Answer(p.ID, prompt.Answer{DontAskAgain: true}))

	assert.True(t, locus.IsDenied(recv(t, sub).Err))
	assert.Empty(t, h.be.registrations())
}

func TestCloseClearsNotification(t *testing.T) {
	h := newHarness(t)

	sub := h.c.StartLocationUpdates(nil)
	require.Eventually(t, func() bool { return len(h.notifier.List()) == 1 }, wait, time.Millisecond)
	h.c.Close()
	requireClosed(t, sub)
	assert.Empty(t, h.notifier.List())
	assert.False(t, h.c.RequestingPermission())
}

func TestNoBackend(t *testing.T) {
	h := newHarness(t, withoutBackend())
	sub := h.c.StartLocationUpdates(nil)
	r := recv(t, sub)
	assert.True(t, locus.IsNoBackend(r.Err))
	assert.True(t, locus.IsFatal(r.Err))
	requireClosed(t, sub)
	assert.Empty(t, h.q.Pending())
	h.waitState(Idle)
}

func TestSettingsUnresolvable(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)
	h.be.states = []settings.State{settings.UnresolvableState(errors.New("no receiver"))}

	sub := h.c.StartLocationUpdates(nil)
	assert.True(t, locus.IsSettingsDenied(recv(t, sub).Err))
	assert.Empty(t, h.q.Pending())
	assert.Empty(t, h.be.registrations())
}

func TestSettingsResolutionDeclined(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)
	h.be.states = []settings.State{settings.ResolvableState("gps-off")}

	sub := h.c.StartLocationUpdates(nil)
	h.waitState(ResolvingSettings)
	p := h.nextPrompt(prompt.KindResolution)
	assert.Equal(t, "gps-off", p.Token)
	require.NoError(t, h.q.Answer(p.ID, prompt.Answer{Accept: false}))
	assert.True(t, locus.IsSettingsDenied(recv(t, sub).Err))
}

func TestSettingsResolutionBounded(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)
	h.be.states = []settings.State{settings.ResolvableState("gps-off")}

	sub := h.c.StartLocationUpdates(nil)
	h.answer(prompt.KindResolution, prompt.Answer{Accept: true})
	assert.True(t, locus.IsSettingsResolutionFailed(recv(t, sub).Err))
	assert.Equal(t, 3, h.be.checkCount())
	assert.Empty(t, h.be.registrations())
}

func TestSettingsResolvedOnRecheck(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)
	h.be.states = []settings.State{settings.ResolvableState("gps-off"), settings.ResolvableState("gps-off"), settings.SatisfiedState()}

	h.c.StartLocationUpdates(nil)
	h.answer(prompt.KindResolution, prompt.Answer{Accept: true})
	h.waitReg(1)
	h.waitState(Active)
}

func TestForcedBackgroundDenied(t *testing.T) {
	h := newHarness(t, withDefaults(config.WithBackgroundUpdates(true, true)))
	h.foreground()
	h.grant(permission.Location)

	sub := h.c.StartLocationUpdates(nil)
	p := h.nextPrompt(prompt.KindRequest)
	assert.Equal(t, []string{string(permission.Background)}, p.Permissions)
	require.NoError(t, h.q.Answer(p.ID, prompt.Answer{}))
	assert.True(t, locus.IsDenied(recv(t, sub).Err))
	assert.Empty(t, h.be.registrations())
}

func TestOptionalBackgroundDenied(t *testing.T) {
	h := newHarness(t, withDefaults(config.WithBackgroundUpdates(true, false)))
	h.foreground()
	h.grant(permission.Location)

	h.c.StartLocationUpdates(nil)
	h.answer(prompt.KindRequest, prompt.Answer{})
	h.waitReg(1)
	h.waitState(Active)
}

func TestOneShotSkipsBackgroundPermission(t *testing.T) {
	h := newHarness(t, withDefaults(config.WithBackgroundUpdates(true, true)))
	h.grant(permission.Location)

	sub := h.c.GetCurrentLocation(nil)
	reg := h.waitReg(1)
	reg.push(fix(1))
	assert.True(t, recv(t, sub).IsSuccess())
	assert.Empty(t, h.q.Pending())
}

func TestBackendFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)

	sub := h.c.StartLocationUpdates(nil)
	reg := h.waitReg(1)
	h.waitState(Active)
	reg.push(fix(1))
	reg.push(locus.Failure(locus.BackendFailure(errors.New("receiver lost"))))

	assert.True(t, recv(t, sub).IsSuccess())
	r := recv(t, sub)
	assert.Equal(t, locus.KindBackendFailure, r.Kind())
	requireClosed(t, sub)
	h.waitState(Idle)
}

func TestScopedSubscriptionDetaches(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)

	sc := scope.New()
	scoped := h.c.StartLocationUpdates(sc)
	durable := h.c.StartLocationUpdates(nil)
	reg := h.waitReg(1)
	h.waitState(Active)

	reg.push(fix(1))
	assert.Equal(t, 1.0, recv(t, scoped).Location.Latitude)
	sc.Destroy()
	requireClosed(t, scoped)

	reg.push(fix(2))
	assert.Equal(t, 1.0, recv(t, durable).Location.Latitude)
	assert.Equal(t, 2.0, recv(t, durable).Location.Latitude)
	assert.Equal(t, Active, h.c.State())
}

func TestObserveAndRecorder(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)
	obs := h.c.Observe(nil)
	_, ok := h.c.Latest()
	assert.False(t, ok)

	h.c.GetCurrentLocation(nil)
	h.waitReg(1).push(fix(1))
	h.waitState(Idle)
	h.c.GetCurrentLocation(nil)
	h.waitReg(2).push(fix(2))

	assert.Equal(t, 1.0, recv(t, obs).Location.Latitude)
	assert.Equal(t, 2.0, recv(t, obs).Location.Latitude)
	latest, ok := h.c.Latest()
	require.True(t, ok)
	assert.Equal(t, 2.0, latest.Location.Latitude)

	require.Eventually(t, func() bool { return len(h.st.Fixes()) == 2 }, wait, time.Millisecond)
	fixes := h.st.Fixes()
	assert.NotEqual(t, fixes[0].SessionID, fixes[1].SessionID)
	assert.NotEmpty(t, fixes[0].SessionID)
}

func TestConfigureAndReset(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)

	require.NoError(t, h.c.Configure(mustConfig(t, config.WithPriority(config.PriorityBalanced), config.WithInterval(5*time.Second))))
	h.c.GetCurrentLocation(nil)
	reg := h.waitReg(1)
	assert.Equal(t, config.PriorityBalanced, reg.cfg.Priority)
	assert.Equal(t, 5*time.Second, reg.cfg.Interval)
	reg.push(fix(1))
	h.waitState(Idle)

	h.c.SetDefaultConfig()
	assert.Equal(t, config.Default(), h.c.Config())
}

func TestConfigureRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	before := h.c.Config()

	err := h.c.Configure(config.Configuration{})
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Equal(t, before, h.c.Config())

	bad := config.Default()
	bad.NumUpdates = 0
	assert.ErrorIs(t, h.c.Configure(bad), config.ErrInvalid)
}

func TestNewRejectsInvalidDefaults(t *testing.T) {
	host := prompt.NewHost(prompt.NewQueue(zerolog.Nop()), memstore.New(0), zerolog.Nop())
	_, err := New(&Params{
		Backend:    &fakeBackend{},
		Negotiator: permission.NewNegotiator(host, memstore.New(0), permission.Policy{}, zerolog.Nop()),
		Resolver:   prompt.NewQueue(zerolog.Nop()),
		Defaults:   &config.Configuration{},
		Logger:     zerolog.Nop(),
	})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	h.grant(permission.Location)
	assert.Equal(t, Snapshot{State: "idle", Backend: "fake"}, h.c.Snapshot())

	h.c.StartLocationUpdates(nil)
	h.c.StartLocationUpdates(nil)
	h.waitReg(1)
	h.waitState(Active)
	s := h.c.Snapshot()
	assert.Equal(t, "active", s.State)
	assert.Equal(t, "continuous", s.Mode)
	assert.Equal(t, 2, s.Subscribers)
	assert.NotEmpty(t, s.Session)
}

func TestCloseCancelsPendingPrompt(t *testing.T) {
	h := newHarness(t)
	h.foreground()

	sub := h.c.StartLocationUpdates(nil)
	h.nextPrompt(prompt.KindRequest)
	h.c.Close()
	requireClosed(t, sub)
	assert.Empty(t, h.q.Pending())

	late := h.c.StartLocationUpdates(nil)
	requireClosed(t, late)
}

func mustConfig(t *testing.T, opts ...config.Option) config.Configuration {
	t.Helper()
	cfg, err := config.New(opts...)
	require.NoError(t, err)
	return cfg
}
