package locus

import (
	"time"

	"github.com/rs/zerolog"
)

// Location is a single position fix.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

func (l Location) MarshalZerologObject(e *zerolog.Event) {
	e.Float64("lat", l.Latitude).Float64("lon", l.Longitude).Float64("acc", l.Accuracy).Time("ts", l.Timestamp)
}

// Result is the only value published to subscribers: either a Location or an
// error from the failure taxonomy. Exactly one of Location and Err is set.
type Result struct {
	Location *Location
	Err      error
}

func Success(l Location) Result {
	return Result{Location: &l}
}

func Failure(err error) Result {
	return Result{Err: err}
}

func (r Result) IsSuccess() bool {
	return r.Err == nil && r.Location != nil
}

// Kind returns the failure kind, or KindNone for a success.
func (r Result) Kind() Kind {
	if r.Err == nil {
		return KindNone
	}
	return KindOf(r.Err)
}
