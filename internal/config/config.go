package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrInvalid = errors.New("config: invalid configuration")

var validate = validator.New()

type Priority int

const (
	PriorityHighAccuracy Priority = iota
	PriorityBalanced
	PriorityLowPower
	PriorityPassive
)

func (p Priority) String() string {
	switch p {
	case PriorityHighAccuracy:
		return "high_accuracy"
	case PriorityBalanced:
		return "balanced"
	case PriorityLowPower:
		return "low_power"
	case PriorityPassive:
		return "passive"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high_accuracy", "high", "":
		return PriorityHighAccuracy, nil
	case "balanced":
		return PriorityBalanced, nil
	case "low_power", "low":
		return PriorityLowPower, nil
	case "passive":
		return PriorityPassive, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalid, s)
}

// Configuration describes one acquisition request. New and With always
// return a valid value. A literal is not checked until Validate runs, which
// every consumer that takes a Configuration from outside does.
type Configuration struct {
	Priority        Priority      `validate:"gte=0,lte=3"`
	Interval        time.Duration `validate:"gt=0"`
	FastestInterval time.Duration `validate:"gte=0"`
	MaxWaitTime     time.Duration `validate:"gte=0"`
	// ExpirationTime of zero means the request never expires.
	ExpirationTime  time.Duration `validate:"gte=0"`
	NumUpdates      int           `validate:"gte=1"`
	MinDisplacement float64       `validate:"gte=0"`

	EnableBackgroundUpdates bool
	ForceBackgroundUpdates  bool
	ShouldResolveSettings   bool
}

type Option func(*Configuration)

func WithPriority(p Priority) Option {
	return func(c *Configuration) { c.Priority = p }
}

func WithInterval(d time.Duration) Option {
	return func(c *Configuration) { c.Interval = d }
}

func WithFastestInterval(d time.Duration) Option {
	return func(c *Configuration) { c.FastestInterval = d }
}

func WithMaxWaitTime(d time.Duration) Option {
	return func(c *Configuration) { c.MaxWaitTime = d }
}

func WithExpiration(d time.Duration) Option {
	return func(c *Configuration) { c.ExpirationTime = d }
}

func WithNumUpdates(n int) Option {
	return func(c *Configuration) { c.NumUpdates = n }
}

func WithMinDisplacement(meters float64) Option {
	return func(c *Configuration) { c.MinDisplacement = meters }
}

// WithBackgroundUpdates enables updates while the host is in the background.
// With force set, a denied background permission fails the request.
func WithBackgroundUpdates(enable, force bool) Option {
	return func(c *Configuration) {
		c.EnableBackgroundUpdates = enable
		c.ForceBackgroundUpdates = force
	}
}

func WithSettingsResolution(enabled bool) Option {
	return func(c *Configuration) { c.ShouldResolveSettings = enabled }
}

func defaults() Configuration {
	return Configuration{
		Priority:              PriorityHighAccuracy,
		Interval:              time.Second,
		FastestInterval:       time.Second,
		MaxWaitTime:           time.Second,
		NumUpdates:            math.MaxInt32,
		ShouldResolveSettings: true,
	}
}

// Default returns the configuration used until the host replaces it.
func Default() Configuration {
	return defaults()
}

func New(opts ...Option) (Configuration, error) {
	return defaults().With(opts...)
}

// With returns a copy of c with opts applied. c itself is never changed.
func (c Configuration) With(opts ...Option) (Configuration, error) {
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

func (c Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
