package logstore

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/locus/internal/store"
)

// LogStore writes every fix to the log instead of a database.
type LogStore struct {
	logger zerolog.Logger
}

func NewStore() *LogStore {
	return &LogStore{logger: log.With().Str("module", "logstore").Logger()}
}

func NewStoreWithLogger(l zerolog.Logger) *LogStore {
	return &LogStore{logger: l.With().Str("module", "logstore").Logger()}
}

func (l *LogStore) Put(f store.Fix) {
	l.logger.Info().
		Str("sid", f.SessionID).
		Float64("lon", f.Location.Longitude).
		Float64("lat", f.Location.Latitude).
		Float64("alt", f.Location.Altitude).
		Float64("speed", f.Location.Speed).
		Float64("accuracy", f.Location.Accuracy).
		Time("fixtime", f.Location.Timestamp).
		Time("srvtime", f.ReceivedAt).
		Msg("fix")
}
