package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/settings"
)

// DefaultSingleTimeout bounds a one-shot fresh request whose configuration
// has no expiration.
const DefaultSingleTimeout = 30 * time.Second

// Provider adapts a vendor Client to the Backend capability. It owns the
// cadence rules (fastest interval, displacement, update count, expiration),
// the continuous-start fallback and the one-shot fast path, so every vendor
// behaves the same.
type Provider struct {
	client        Client
	log           zerolog.Logger
	singleTimeout time.Duration

	mu   sync.Mutex
	regs map[*registration]bool
}

func NewProvider(c Client, logger zerolog.Logger) *Provider {
	return &Provider{
		client:        c,
		log:           logger.With().Str("module", "provider").Str("backend", c.Name()).Logger(),
		singleTimeout: DefaultSingleTimeout,
		regs:          make(map[*registration]bool),
	}
}

func (p *Provider) Name() string {
	return p.client.Name()
}

func (p *Provider) CheckSettings(ctx context.Context, cfg config.Configuration) settings.State {
	return p.client.CheckSettings(ctx, cfg)
}

// Active returns the number of registrations not yet stopped.
func (p *Provider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regs)
}

func (p *Provider) StartContinuous(cfg config.Configuration, sink Sink, done Done) Registration {
	r := p.newRegistration(cfg, sink, false)
	r.done = done
	p.log.Debug().EmbedObject(cfg).Msg("starting continuous updates")
	go r.runContinuous()
	return r
}

func (p *Provider) GetSingleUpdate(cfg config.Configuration, sink Sink) Registration {
	r := p.newRegistration(cfg, sink, true)
	p.log.Debug().EmbedObject(cfg).Msg("starting single update")
	go r.runSingle()
	return r
}

func (p *Provider) Stop() {
	p.mu.Lock()
	regs := make([]*registration, 0, len(p.regs))
	for r := range p.regs {
		regs = append(regs, r)
	}
	p.mu.Unlock()
	for _, r := range regs {
		r.Stop()
	}
}

func (p *Provider) newRegistration(cfg config.Configuration, sink Sink, oneShot bool) *registration {
	ctx, cancel := context.WithCancel(context.Background())
	r := &registration{p: p, cfg: cfg, sink: sink, oneShot: oneShot, ctx: ctx, cancelCtx: cancel}
	p.mu.Lock()
	p.regs[r] = true
	p.mu.Unlock()
	return r
}

func (p *Provider) forget(r *registration) {
	p.mu.Lock()
	delete(p.regs, r)
	p.mu.Unlock()
}

// registration serializes sink calls under mu, so Stop returning means no
// sink call is running and none will start.
type registration struct {
	p         *Provider
	cfg       config.Configuration
	sink      Sink
	done      Done
	oneShot   bool
	ctx       context.Context
	cancelCtx context.CancelFunc

	mu      sync.Mutex
	stopped bool
	cancel  func()
	timer   *time.Timer
	count   int
	last    locus.Location
	hasLast bool
}

func (r *registration) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	r.release()
}

func (r *registration) release() {
	r.cancelCtx()
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.p.forget(r)
	r.p.log.Debug().Bool("one_shot", r.oneShot).Msg("registration released")
}

// deliver hands res to the sink unless the registration is stopped. A
// terminal delivery stops the registration.
func (r *registration) deliver(res locus.Result, terminal bool) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.sink(res)
	if terminal {
		r.completeLocked()
	}
	r.mu.Unlock()
	if terminal {
		r.release()
	}
}

// end stops the registration without a result.
func (r *registration) end() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.completeLocked()
	r.mu.Unlock()
	r.release()
}

func (r *registration) completeLocked() {
	r.stopped = true
	if r.done != nil {
		r.done()
	}
}

// attach stores the vendor cancel func, or calls it right away if the
// registration ended while the vendor call was in flight.
func (r *registration) attach(cancel func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return false
	}
	r.cancel = cancel
	r.mu.Unlock()
	return true
}

func (r *registration) setTimer(d time.Duration, fn func()) {
	r.mu.Lock()
	if !r.stopped {
		r.timer = time.AfterFunc(d, fn)
	}
	r.mu.Unlock()
}

func (r *registration) normalize(loc locus.Location) locus.Location {
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	if loc.Source == "" {
		loc.Source = r.p.client.Name()
	}
	return loc
}

func (r *registration) runContinuous() {
	cancel, err := r.p.client.RequestUpdates(r.cfg, Listener{OnLocation: r.onLocation, OnError: r.onError})
	if err != nil {
		r.p.log.Warn().Err(err).Msg("update stream failed to start, falling back to last known location")
		loc, lerr := r.p.client.LastLocation(r.ctx)
		if lerr != nil {
			r.deliver(locus.Failure(locus.BackendFailure(fmt.Errorf("%w (last location: %v)", err, lerr))), true)
			return
		}
		r.deliver(locus.Success(r.normalize(loc)), true)
		return
	}
	if !r.attach(cancel) {
		return
	}
	if r.cfg.ExpirationTime > 0 {
		r.setTimer(r.cfg.ExpirationTime, r.expire)
	}
}

func (r *registration) onLocation(loc locus.Location) {
	loc = r.normalize(loc)
	r.mu.Lock()
	if r.stopped || !r.accept(loc) {
		r.mu.Unlock()
		return
	}
	r.count++
	r.last = loc
	r.hasLast = true
	r.sink(locus.Success(loc))
	count := r.count
	exhausted := count >= r.cfg.NumUpdates
	if exhausted {
		r.completeLocked()
	}
	r.mu.Unlock()
	if exhausted {
		r.p.log.Debug().Int("count", count).Msg("update count reached")
		r.release()
	}
}

// accept applies the cadence rules. Called with mu held.
func (r *registration) accept(loc locus.Location) bool {
	if !r.hasLast {
		return true
	}
	if r.cfg.FastestInterval > 0 && loc.Timestamp.Sub(r.last.Timestamp) < r.cfg.FastestInterval {
		return false
	}
	if r.cfg.MinDisplacement > 0 && Distance(r.last, loc) < r.cfg.MinDisplacement {
		return false
	}
	return true
}

func (r *registration) onError(err error) {
	r.p.log.Error().Err(err).Msg("backend reported failure")
	r.deliver(locus.Failure(locus.BackendFailure(err)), true)
}

func (r *registration) expire() {
	r.p.log.Debug().Msg("continuous request expired")
	r.end()
}

func (r *registration) runSingle() {
	timeout := r.cfg.ExpirationTime
	if timeout <= 0 {
		timeout = r.p.singleTimeout
	}
	r.setTimer(timeout, func() {
		r.deliver(locus.Failure(locus.BackendFailure(ErrTimeout)), true)
	})

	loc, err := r.p.client.LastLocation(r.ctx)
	if err == nil {
		r.deliver(locus.Success(r.normalize(loc)), true)
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	r.p.log.Debug().Err(err).Msg("no last location, requesting a fresh fix")

	single := r.cfg
	single.NumUpdates = 1
	cancel, err := r.p.client.RequestUpdates(single, Listener{
		OnLocation: func(l locus.Location) {
			r.deliver(locus.Success(r.normalize(l)), true)
		},
		OnError: func(e error) {
			r.deliver(locus.Failure(locus.BackendFailure(e)), true)
		},
	})
	if err != nil {
		r.deliver(locus.Failure(locus.BackendFailure(err)), true)
		return
	}
	r.attach(cancel)
}
