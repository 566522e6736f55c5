package natsfeed

import (
	"time"

	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/locus"
)

// FixMessage is published by the fusion daemon on <subject>.fix. A message
// with Error set reports that the daemon stopped producing fixes.
type FixMessage struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  float64   `json:"alt,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Accuracy  float64   `json:"acc"`
	Time      time.Time `json:"time"`
	Error     string    `json:"error,omitempty"`
}

func (m *FixMessage) Location() locus.Location {
	return locus.Location{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Altitude:  m.Altitude,
		Speed:     m.Speed,
		Accuracy:  m.Accuracy,
		Timestamp: m.Time,
		Source:    Name,
	}
}

func NewFixMessage(l locus.Location) FixMessage {
	return FixMessage{
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Altitude:  l.Altitude,
		Speed:     l.Speed,
		Accuracy:  l.Accuracy,
		Time:      l.Timestamp,
	}
}

// LastReply answers <subject>.last. Fix is nil when nothing is cached.
type LastReply struct {
	Fix *FixMessage `json:"fix,omitempty"`
}

type SettingsRequest struct {
	Priority        string  `json:"priority"`
	IntervalMs      int64   `json:"interval_ms"`
	FastestMs       int64   `json:"fastest_interval_ms"`
	MinDisplacement float64 `json:"min_displacement"`
	Background      bool    `json:"background"`
}

func settingsRequestOf(cfg config.Configuration) SettingsRequest {
	return SettingsRequest{
		Priority:        cfg.Priority.String(),
		IntervalMs:      cfg.Interval.Milliseconds(),
		FastestMs:       cfg.FastestInterval.Milliseconds(),
		MinDisplacement: cfg.MinDisplacement,
		Background:      cfg.EnableBackgroundUpdates,
	}
}

// SettingsReply answers <subject>.settings. State is one of satisfied,
// resolvable or unresolvable; Token is set for resolvable.
type SettingsReply struct {
	State  string `json:"state"`
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`
}
