package main

import (
	"encoding/json"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"nuha.dev/locus/internal/backend/devicefeed"
)

type options struct {
	addr     string
	serial   string
	interval time.Duration
	lat, lon float64
	gpsOff   bool
}

// fakereceiver dials a locusd device listener, logs in and streams a random
// walk of fixes.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "fakereceiver",
		Short: "stream fake GNSS fixes to locusd",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:6000", "device listener address")
	cmd.Flags().StringVar(&opts.serial, "serial", "0123456789012345", "receiver serial")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "time between fixes")
	cmd.Flags().Float64Var(&opts.lat, "lat", -6.2, "starting latitude")
	cmd.Flags().Float64Var(&opts.lon, "lon", 106.8, "starting longitude")
	cmd.Flags().BoolVar(&opts.gpsOff, "gps-off", false, "report the GPS as switched off")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func send(c net.Conn, proto byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return devicefeed.WriteMessage(c, proto, b)
}

func run(opts *options) error {
	c, err := net.Dial("tcp", opts.addr)
	if err != nil {
		return err
	}
	defer c.Close()
	log.Info().Str("addr", opts.addr).Str("serial", opts.serial).Msg("connected")

	err = send(c, devicefeed.LOGIN, devicefeed.LoginMessage{SnType: "imei", Serial: opts.serial, DeviceType: "fake"})
	if err != nil {
		return err
	}
	err = send(c, devicefeed.STATUS, devicefeed.StatusMessage{GpsStatus: !opts.gpsOff})
	if err != nil {
		return err
	}

	lat, lon := opts.lat, opts.lon
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for t := range ticker.C {
		lat += (rand.Float64() - 0.5) * 0.0002
		lon += (rand.Float64() - 0.5) * 0.0002
		msg := devicefeed.LocationMessage{
			GpsTime:    t.UTC(),
			Latitude:   lat,
			Longitude:  lon,
			Hdop:       0.9,
			SatInview:  12,
			SatTracked: 9,
			SatUsed:    8,
			Fix:        !opts.gpsOff,
			FixMode:    "3D",
			Speed:      1.2,
		}
		if err := send(c, devicefeed.LOCATION_UPDATE, msg); err != nil {
			return err
		}
		log.Debug().Float64("lat", lat).Float64("lon", lon).Msg("fix sent")
	}
	return nil
}
