package backend

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/settings"
)

var (
	ErrNoLastLocation = errors.New("backend: no last known location")
	ErrTimeout        = errors.New("backend: no fix before expiration")
)

// Sink receives the results of one registration. Calls are serialized and a
// sink must not stop its own registration.
type Sink func(locus.Result)

// Done tells the owner of a continuous registration that it ended on its own
// and nothing more follows. It runs after the final sink call, never after
// Stop, and must not stop the registration either.
type Done func()

// Registration is one running backend operation.
type Registration interface {
	// Stop is idempotent. When it returns the sink of this registration is
	// never called again.
	Stop()
}

// Backend is the location capability the coordinator drives.
type Backend interface {
	Name() string
	CheckSettings(ctx context.Context, cfg config.Configuration) settings.State
	// StartContinuous calls done once the update count is reached, the
	// expiration fires or the fallback fix was the only one it could get.
	StartContinuous(cfg config.Configuration, sink Sink, done Done) Registration
	GetSingleUpdate(cfg config.Configuration, sink Sink) Registration
	// Stop stops every registration of the backend.
	Stop()
}

// Listener receives vendor callbacks.
type Listener struct {
	OnLocation func(locus.Location)
	OnError    func(error)
}

// Client is a vendor location service.
type Client interface {
	Name() string
	Available(ctx context.Context) bool
	CheckSettings(ctx context.Context, cfg config.Configuration) settings.State
	// LastLocation returns ErrNoLastLocation when no fix is cached.
	LastLocation(ctx context.Context) (locus.Location, error)
	// RequestUpdates registers l until cancel is called. cancel must be safe
	// to call from inside a listener callback.
	RequestUpdates(cfg config.Configuration, l Listener) (cancel func(), err error)
}

// Select probes clients in order and wraps the first available one. With
// none available it returns locus.ErrNoBackendAvailable.
func Select(ctx context.Context, logger zerolog.Logger, clients ...Client) (*Provider, error) {
	log := logger.With().Str("module", "backend").Logger()
	for _, c := range clients {
		if c == nil {
			continue
		}
		if c.Available(ctx) {
			log.Info().Str("backend", c.Name()).Msg("backend selected")
			return NewProvider(c, logger), nil
		}
		log.Debug().Str("backend", c.Name()).Msg("backend not available")
	}
	log.Warn().Msg("no backend available")
	return nil, locus.ErrNoBackendAvailable
}
