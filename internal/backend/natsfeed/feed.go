// Package natsfeed is a location client backed by a fused-location daemon
// reachable over NATS.
package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"nuha.dev/locus/internal/backend"
	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/settings"
)

const Name = "natsfeed"

var ErrDaemon = errors.New("natsfeed: daemon reported an error")

const (
	defaultTimeout     = 2 * time.Second
	defaultMaxFailures = 3
	defaultOpenTimeout = 30 * time.Second
)

type Config struct {
	// Subject is the prefix of the fix, last, settings and ping subjects.
	Subject string
	Timeout time.Duration
	// MaxFailures consecutive request failures open the breaker for
	// OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

type Feed struct {
	t       Transport
	conf    Config
	log     zerolog.Logger
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewFeed(t Transport, conf Config, logger zerolog.Logger) *Feed {
	if conf.Subject == "" {
		conf.Subject = "locus"
	}
	if conf.Timeout <= 0 {
		conf.Timeout = defaultTimeout
	}
	if conf.MaxFailures == 0 {
		conf.MaxFailures = defaultMaxFailures
	}
	if conf.OpenTimeout <= 0 {
		conf.OpenTimeout = defaultOpenTimeout
	}
	f := &Feed{t: t, conf: conf}
	f.log = logger.With().Str("module", "natsfeed").Logger()
	maxFailures := conf.MaxFailures
	f.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "natsfeed:" + conf.Subject,
		MaxRequests: 1,
		Timeout:     conf.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return f
}

func (f *Feed) subject(s string) string {
	return f.conf.Subject + "." + s
}

func (f *Feed) request(ctx context.Context, subj string, v interface{}) ([]byte, error) {
	var data []byte
	if v != nil {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, f.conf.Timeout)
	defer cancel()
	b, err := f.breaker.Execute(func() ([]byte, error) {
		return f.t.Request(ctx, f.subject(subj), data)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("natsfeed %s: circuit open: %w", subj, err)
		}
		return nil, fmt.Errorf("natsfeed %s: %w", subj, err)
	}
	return b, nil
}

// BreakerState reports the request circuit breaker state.
func (f *Feed) BreakerState() gobreaker.State {
	return f.breaker.State()
}

func (f *Feed) Name() string {
	return Name
}

// Available is true when the connection is up and the daemon answers a ping.
func (f *Feed) Available(ctx context.Context) bool {
	if !f.t.Connected() {
		return false
	}
	if _, err := f.request(ctx, "ping", nil); err != nil {
		f.log.Debug().Err(err).Msg("daemon did not answer ping")
		return false
	}
	return true
}

func (f *Feed) CheckSettings(ctx context.Context, cfg config.Configuration) settings.State {
	b, err := f.request(ctx, "settings", settingsRequestOf(cfg))
	if err != nil {
		return settings.UnresolvableState(locus.BackendFailure(err))
	}
	var reply SettingsReply
	if err = json.Unmarshal(b, &reply); err != nil {
		return settings.UnresolvableState(locus.BackendFailure(err))
	}
	switch reply.State {
	case "satisfied":
		return settings.SatisfiedState()
	case "resolvable":
		return settings.ResolvableState(settings.Token(reply.Token))
	default:
		reason := reply.Reason
		if reason == "" {
			reason = "unresolvable"
		}
		return settings.UnresolvableState(fmt.Errorf("natsfeed: %s", reason))
	}
}

func (f *Feed) LastLocation(ctx context.Context) (locus.Location, error) {
	b, err := f.request(ctx, "last", nil)
	if err != nil {
		return locus.Location{}, err
	}
	var reply LastReply
	if err = json.Unmarshal(b, &reply); err != nil {
		return locus.Location{}, err
	}
	if reply.Fix == nil {
		return locus.Location{}, backend.ErrNoLastLocation
	}
	return reply.Fix.Location(), nil
}

func (f *Feed) RequestUpdates(cfg config.Configuration, l backend.Listener) (func(), error) {
	unsub, err := f.t.Subscribe(f.subject("fix"), func(data []byte) {
		var m FixMessage
		if err := json.Unmarshal(data, &m); err != nil {
			f.log.Warn().Err(err).Msg("dropping malformed fix")
			return
		}
		if m.Error != "" {
			l.OnError(fmt.Errorf("%w: %s", ErrDaemon, m.Error))
			return
		}
		l.OnLocation(m.Location())
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := unsub(); err != nil {
			f.log.Debug().Err(err).Msg("unsubscribe failed")
		}
	}, nil
}
