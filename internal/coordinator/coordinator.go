// Package coordinator runs the acquisition state machine: permission
// negotiation, settings resolution and backend delivery for at most one
// session at a time.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/speps/go-hashids/v2"

	"nuha.dev/locus/internal/backend"
	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/events"
	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/permission"
	"nuha.dev/locus/internal/scope"
	"nuha.dev/locus/internal/settings"
	"nuha.dev/locus/internal/store"
	"nuha.dev/locus/internal/sublist"
)

var (
	errSessionEnded = errors.New("coordinator: session ended")
	errNoNegotiator = errors.New("coordinator: negotiator is required")
	errNoResolver   = errors.New("coordinator: settings resolver is required")
)

const (
	notificationTitle = "Location access needed"
	notificationBody  = "Tap to allow location access"
)

// Notifier raises persistent notifications.
type Notifier interface {
	Notify(title, body string, onTap func()) string
	Clear(id string)
}

type ForegroundTracker interface {
	InForeground() bool
}

type Params struct {
	// Backend is nil when no location service is available; every request
	// then fails with NoBackendAvailable.
	Backend    backend.Backend
	Negotiator *permission.Negotiator
	Resolver   settings.Resolver
	Notifier   Notifier
	Foreground ForegroundTracker
	Events     *events.Bus
	Recorder   store.FixRecorder
	Defaults   *config.Configuration
	// SessionSalt seeds the public session ids.
	SessionSalt string
	Logger      zerolog.Logger
}

type session struct {
	id           string
	mode         Mode
	cfg          config.Configuration
	list         *sublist.Sublist
	ctx          context.Context
	cancel       context.CancelFunc
	reg          backend.Registration
	notification string
}

type pendingEvent struct {
	topic string
	data  interface{}
}

// Coordinator is a monitor: every transition happens under mu, and mu is
// never held while a collaborator runs.
type Coordinator struct {
	backend    backend.Backend
	negotiator *permission.Negotiator
	gate       *settings.Gate
	notifier   Notifier
	foreground ForegroundTracker
	bus        *events.Bus
	recorder   store.FixRecorder
	hash       *hashids.HashID
	log        zerolog.Logger

	global *sublist.Sublist
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	session    *session
	requesting bool
	defaults   config.Configuration
	seq        int64
	closed     bool
	outbox     []pendingEvent

	emitMu sync.Mutex
}

func New(p *Params) (*Coordinator, error) {
	if p.Negotiator == nil {
		return nil, errNoNegotiator
	}
	if p.Backend != nil && p.Resolver == nil {
		return nil, errNoResolver
	}
	if p.Defaults != nil {
		if err := p.Defaults.Validate(); err != nil {
			return nil, err
		}
	}
	hd := hashids.NewData()
	hd.Salt = p.SessionSalt
	hd.MinLength = 6
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		backend:    p.Backend,
		negotiator: p.Negotiator,
		notifier:   p.Notifier,
		foreground: p.Foreground,
		bus:        p.Events,
		recorder:   p.Recorder,
		hash:       h,
		log:        p.Logger.With().Str("module", "coordinator").Logger(),
		global:     sublist.NewSublist(p.Logger),
		defaults:   config.Default(),
	}
	if p.Defaults != nil {
		c.defaults = *p.Defaults
	}
	if p.Backend != nil {
		c.gate = settings.NewGate(p.Backend, p.Resolver, p.Logger)
	}
	return c, nil
}

// Configure replaces the configuration used by later requests. A running
// session keeps the configuration it started with. An invalid cfg is
// rejected with an error wrapping config.ErrInvalid.
func (c *Coordinator) Configure(cfg config.Configuration) error {
	if err := cfg.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("configuration rejected")
		return err
	}
	c.mu.Lock()
	c.defaults = cfg
	c.mu.Unlock()
	c.log.Info().EmbedObject(cfg).Msg("default configuration replaced")
	return nil
}

// SetDefaultConfig restores the built-in default configuration.
func (c *Coordinator) SetDefaultConfig() {
	c.mu.Lock()
	c.defaults = config.Default()
	c.mu.Unlock()
	c.log.Info().Msg("default configuration restored")
}

func (c *Coordinator) Config() config.Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaults
}

// StartLocationUpdates starts continuous updates, or joins the running
// session. With a nil scope the subscription is durable and lives until the
// session ends; otherwise it also ends when h is destroyed.
func (c *Coordinator) StartLocationUpdates(h scope.Handle) *sublist.Subscription {
	return c.start(Continuous, h)
}

// GetCurrentLocation delivers exactly one result. When a session is already
// running its next result is used.
func (c *Coordinator) GetCurrentLocation(h scope.Handle) *sublist.Subscription {
	return c.start(OneShot, h, sublist.Limit(1))
}

// Observe subscribes to the results of every session, present and future.
// An observer is not a subscriber of any one session, so Stop does not cut
// it off: results published before Stop may still be in its queue.
func (c *Coordinator) Observe(h scope.Handle) *sublist.Subscription {
	return c.global.Subscribe(h)
}

// Latest returns the last result published by any session.
func (c *Coordinator) Latest() (locus.Result, bool) {
	return c.global.Latest()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestingPermission reports whether a permission prompt is pending.
func (c *Coordinator) RequestingPermission() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requesting
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{State: c.state.String(), RequestingPermission: c.requesting}
	if c.session != nil {
		s.Session = c.session.id
		s.Mode = c.session.mode.String()
		s.Subscribers = c.session.list.Len()
	}
	c.mu.Unlock()
	s.Observers = c.global.Len()
	if c.backend != nil {
		s.Backend = c.backend.Name()
	}
	return s
}

func (c *Coordinator) start(mode Mode, h scope.Handle, opts ...sublist.Option) *sublist.Subscription {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l := sublist.NewSublist(c.log)
		l.Finish()
		return l.Subscribe(h)
	}
	if sess := c.session; sess != nil {
		sub := sess.list.Subscribe(h, opts...)
		c.enqueueLocked(events.TopicSession, events.SessionChanged{Session: sess.id, Mode: mode.String(), Action: events.SessionCoalesced})
		c.mu.Unlock()
		c.log.Debug().Str("session", sess.id).Str("mode", mode.String()).Str("state", c.State().String()).Msg("request joined running session")
		c.flush()
		return sub
	}

	c.seq++
	id, err := c.hash.EncodeInt64([]int64{c.seq})
	if err != nil {
		id = time.Now().UTC().Format("20060102T150405.000")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     id,
		mode:   mode,
		cfg:    c.defaults,
		list:   sublist.NewSublist(c.log),
		ctx:    ctx,
		cancel: cancel,
	}
	c.session = sess
	sub := sess.list.Subscribe(h, opts...)
	c.enqueueLocked(events.TopicSession, events.SessionChanged{Session: sess.id, Mode: mode.String(), Action: events.SessionStarted})
	c.setStateLocked(sess, CheckingPermission)
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info().Str("session", sess.id).Str("mode", mode.String()).EmbedObject(sess.cfg).Msg("session started")
	c.flush()
	go c.run(sess)
	return sub
}

// Stop ends an active session and stops its backend registration. When it
// returns no subscriber of that session receives anything more. In any other
// state it does nothing.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	sess := c.session
	if sess == nil || c.state != Active {
		c.mu.Unlock()
		c.log.Debug().Msg("stop ignored, no active session")
		return
	}
	reg := sess.reg
	c.detachLocked(sess)
	c.enqueueLocked(events.TopicSession, events.SessionChanged{Session: sess.id, Mode: sess.mode.String(), Action: events.SessionStopped})
	c.mu.Unlock()

	sess.cancel()
	sess.list.Close()
	if reg != nil {
		reg.Stop()
	}
	c.log.Info().Str("session", sess.id).Msg("session stopped")
	c.flush()
}

// Close stops whatever is running, including pending prompts, and closes
// every subscription. Later requests get an already closed subscription.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sess := c.session
	var reg backend.Registration
	if sess != nil {
		reg = sess.reg
		c.detachLocked(sess)
	}
	c.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.list.Close()
		if reg != nil {
			reg.Stop()
		}
	}
	c.wg.Wait()
	if c.backend != nil {
		c.backend.Stop()
	}
	c.global.Close()
	c.flush()
}

func (c *Coordinator) run(sess *session) {
	defer c.wg.Done()
	ctx := sess.ctx

	if c.backend == nil {
		c.fail(sess, locus.ErrNoBackendAvailable)
		return
	}

	if err := c.negotiate(sess, permission.Location); err != nil {
		c.fail(sess, err)
		return
	}
	if sess.mode == Continuous && sess.cfg.EnableBackgroundUpdates {
		err := c.negotiate(sess, permission.Background)
		if err != nil {
			if sess.cfg.ForceBackgroundUpdates {
				c.fail(sess, err)
				return
			}
			c.log.Info().Err(err).Str("session", sess.id).Msg("background permission missing, continuing in foreground")
		}
	}

	if !c.transition(sess, CheckingSettings) {
		return
	}
	err := c.gate.Ensure(ctx, sess.cfg, func() { c.transition(sess, ResolvingSettings) })
	if err != nil {
		c.fail(sess, err)
		return
	}

	if !c.transition(sess, Active) {
		return
	}
	sink := c.sink(sess)
	var reg backend.Registration
	if sess.mode == OneShot {
		reg = c.backend.GetSingleUpdate(sess.cfg, sink)
	} else {
		reg = c.backend.StartContinuous(sess.cfg, sink, c.done(sess))
	}
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		reg.Stop()
		return
	}
	sess.reg = reg
	c.mu.Unlock()
	c.log.Info().Str("session", sess.id).Str("backend", c.backend.Name()).Msg("session active")
}

// negotiate runs one permission pass and maps a negative outcome onto the
// failure taxonomy.
func (c *Coordinator) negotiate(sess *session, p permission.Permission) error {
	if !c.transition(sess, CheckingPermission) {
		return errSessionEnded
	}
	outcome, err := c.negotiator.Negotiate(sess.ctx, []permission.Permission{p}, c.beforePrompt(sess))
	c.endPrompt(sess)
	if err != nil {
		if errors.Is(err, errSessionEnded) {
			return err
		}
		return &locus.Error{Kind: locus.KindPermissionDenied, Err: err}
	}
	return outcome.Err()
}

// beforePrompt moves the session to RequestingPermission. Outside the
// foreground it raises a notification and waits for it to be tapped.
func (c *Coordinator) beforePrompt(sess *session) func(context.Context) error {
	return func(ctx context.Context) error {
		c.mu.Lock()
		if c.session != sess {
			c.mu.Unlock()
			return errSessionEnded
		}
		c.requesting = true
		c.setStateLocked(sess, RequestingPermission)
		c.mu.Unlock()
		c.flush()

		if c.notifier == nil || c.foreground == nil || c.foreground.InForeground() {
			return nil
		}
		tapped := make(chan struct{})
		var once sync.Once
		id := c.notifier.Notify(notificationTitle, notificationBody, func() {
			once.Do(func() { close(tapped) })
		})
		c.mu.Lock()
		sess.notification = id
		c.mu.Unlock()
		c.log.Info().Str("session", sess.id).Str("notification", id).Msg("in background, waiting for notification tap")

		select {
		case <-tapped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) endPrompt(sess *session) {
	c.mu.Lock()
	id := sess.notification
	sess.notification = ""
	if c.session == sess {
		c.requesting = false
	}
	c.mu.Unlock()
	if id != "" && c.notifier != nil {
		c.notifier.Clear(id)
	}
}

// transition moves sess to state to, or reports false when sess is no
// longer the current session.
func (c *Coordinator) transition(sess *session, to State) bool {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(sess, to)
	c.mu.Unlock()
	c.flush()
	return true
}

func (c *Coordinator) sink(sess *session) backend.Sink {
	return func(r locus.Result) {
		c.mu.Lock()
		if c.session != sess {
			c.mu.Unlock()
			c.log.Debug().Str("session", sess.id).Msg("result of ended session discarded")
			return
		}
		c.publishLocked(sess, r)
		terminal := sess.mode == OneShot || !r.IsSuccess()
		if terminal {
			c.endLocked(sess, resultName(r))
		}
		c.mu.Unlock()

		if r.IsSuccess() && c.recorder != nil {
			c.recorder.Put(store.Fix{SessionID: sess.id, Location: *r.Location, ReceivedAt: time.Now().UTC()})
		}
		if terminal {
			sess.cancel()
			c.log.Info().Str("session", sess.id).Str("result", resultName(r)).Msg("session ended")
		}
		c.flush()
	}
}

// done ends a continuous session whose registration finished on its own.
// Everything already published still reaches the subscribers, whose
// subscriptions then close.
func (c *Coordinator) done(sess *session) backend.Done {
	return func() {
		c.mu.Lock()
		if c.session != sess {
			c.mu.Unlock()
			return
		}
		c.endLocked(sess, "completed")
		c.mu.Unlock()

		sess.cancel()
		c.log.Info().Str("session", sess.id).Msg("session completed, backend has nothing more to deliver")
		c.flush()
	}
}

// fail publishes err as the final result of sess.
func (c *Coordinator) fail(sess *session, err error) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	r := locus.Failure(err)
	c.publishLocked(sess, r)
	c.endLocked(sess, resultName(r))
	c.mu.Unlock()

	sess.cancel()
	c.log.Info().Err(err).Str("session", sess.id).Str("kind", locus.KindOf(err).String()).Msg("session failed")
	c.flush()
}

func (c *Coordinator) publishLocked(sess *session, r locus.Result) {
	sess.list.Send(r)
	c.global.Send(r)
}

// endLocked ends sess after its final result. Subscribers still receive
// everything already published.
func (c *Coordinator) endLocked(sess *session, result string) {
	c.detachLocked(sess)
	sess.list.Finish()
	c.enqueueLocked(events.TopicSession, events.SessionChanged{Session: sess.id, Mode: sess.mode.String(), Action: events.SessionEnded, Result: result})
}

func (c *Coordinator) detachLocked(sess *session) {
	c.session = nil
	c.requesting = false
	c.setStateLocked(sess, Idle)
}

func (c *Coordinator) setStateLocked(sess *session, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.enqueueLocked(events.TopicState, events.StateChanged{Session: sess.id, From: from.String(), To: to.String()})
	c.log.Debug().Str("session", sess.id).Str("from", from.String()).Str("to", to.String()).Msg("state changed")
}

func (c *Coordinator) enqueueLocked(topic string, data interface{}) {
	if c.bus == nil {
		return
	}
	c.outbox = append(c.outbox, pendingEvent{topic: topic, data: data})
}

// flush emits queued events in order. Whoever holds emitMu drains the
// outbox, so a handler that calls back into the coordinator does not block.
func (c *Coordinator) flush() {
	for {
		if !c.emitMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			if len(c.outbox) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.outbox[0]
			c.outbox[0] = pendingEvent{}
			c.outbox = c.outbox[1:]
			c.mu.Unlock()
			c.bus.Emit(context.Background(), ev.topic, ev.data)
		}
		c.emitMu.Unlock()

		c.mu.Lock()
		empty := len(c.outbox) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

func resultName(r locus.Result) string {
	if r.IsSuccess() {
		return "success"
	}
	return locus.KindOf(r.Err).String()
}
