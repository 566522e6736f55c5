package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// NewViper returns a viper instance that reads LOCUS_ prefixed environment
// variables, so location.interval is overridden by LOCUS_LOCATION_INTERVAL.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("locus")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	d := defaults()
	v.SetDefault("location.priority", d.Priority.String())
	v.SetDefault("location.interval", d.Interval)
	v.SetDefault("location.fastest_interval", d.FastestInterval)
	v.SetDefault("location.max_wait_time", d.MaxWaitTime)
	v.SetDefault("location.expiration", time.Duration(0))
	v.SetDefault("location.num_updates", d.NumUpdates)
	v.SetDefault("location.min_displacement", 0.0)
	v.SetDefault("location.background", false)
	v.SetDefault("location.force_background", false)
	v.SetDefault("location.resolve_settings", true)

	v.SetDefault("http.addr", ":3333")
	v.SetDefault("device.addr", ":6000")
	v.SetDefault("device.proxy_protocol", true)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "locus")
	v.SetDefault("nats.timeout", 2*time.Second)
	v.SetDefault("db_url", "")
	v.SetDefault("history.backend", "log")
	v.SetDefault("history.table", "location_fix")
	v.SetDefault("history.buf_size", 100)
	v.SetDefault("history.flush_age", 5*time.Second)
	v.SetDefault("permission.strict_silent_denial", false)
	v.SetDefault("session.salt", "locus")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the location.* keys into a validated Configuration.
func Load(v *viper.Viper) (Configuration, error) {
	p, err := ParsePriority(v.GetString("location.priority"))
	if err != nil {
		return Configuration{}, err
	}
	return New(
		WithPriority(p),
		WithInterval(v.GetDuration("location.interval")),
		WithFastestInterval(v.GetDuration("location.fastest_interval")),
		WithMaxWaitTime(v.GetDuration("location.max_wait_time")),
		WithExpiration(v.GetDuration("location.expiration")),
		WithNumUpdates(v.GetInt("location.num_updates")),
		WithMinDisplacement(v.GetFloat64("location.min_displacement")),
		WithBackgroundUpdates(v.GetBool("location.background"), v.GetBool("location.force_background")),
		WithSettingsResolution(v.GetBool("location.resolve_settings")),
	)
}

// Host holds the daemon settings that are not part of a request.
type Host struct {
	HTTPAddr           string `validate:"required"`
	DeviceAddr         string
	DeviceProxyProto   bool
	NatsURL            string
	NatsSubject        string        `validate:"required"`
	NatsTimeout        time.Duration `validate:"gt=0"`
	DatabaseURL        string
	HistoryBackend     string        `validate:"oneof=none log postgres"`
	HistoryTable       string        `validate:"required"`
	HistoryBufSize     int           `validate:"gte=1"`
	HistoryFlushAge    time.Duration `validate:"gt=0"`
	StrictSilentDenial bool
	SessionSalt        string
	LogLevel           string `validate:"oneof=trace debug info warn error"`
	LogFormat          string `validate:"oneof=console json"`
}

func LoadHost(v *viper.Viper) (Host, error) {
	h := Host{
		HTTPAddr:           v.GetString("http.addr"),
		DeviceAddr:         v.GetString("device.addr"),
		DeviceProxyProto:   v.GetBool("device.proxy_protocol"),
		NatsURL:            v.GetString("nats.url"),
		NatsSubject:        v.GetString("nats.subject"),
		NatsTimeout:        v.GetDuration("nats.timeout"),
		DatabaseURL:        v.GetString("db_url"),
		HistoryBackend:     v.GetString("history.backend"),
		HistoryTable:       v.GetString("history.table"),
		HistoryBufSize:     v.GetInt("history.buf_size"),
		HistoryFlushAge:    v.GetDuration("history.flush_age"),
		StrictSilentDenial: v.GetBool("permission.strict_silent_denial"),
		SessionSalt:        v.GetString("session.salt"),
		LogLevel:           strings.ToLower(v.GetString("log.level")),
		LogFormat:          strings.ToLower(v.GetString("log.format")),
	}
	if err := validate.Struct(h); err != nil {
		return Host{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if h.HistoryBackend == "postgres" && h.DatabaseURL == "" {
		return Host{}, fmt.Errorf("%w: postgres history requires db_url", ErrInvalid)
	}
	return h, nil
}

func (c Configuration) MarshalZerologObject(e *zerolog.Event) {
	e.Str("priority", c.Priority.String()).
		Dur("interval", c.Interval).
		Dur("fastest_interval", c.FastestInterval).
		Int("num_updates", c.NumUpdates).
		Bool("background", c.EnableBackgroundUpdates).
		Bool("force_background", c.ForceBackgroundUpdates).
		Bool("resolve_settings", c.ShouldResolveSettings)
}
