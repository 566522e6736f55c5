package devicefeed

import (
	"time"

	"nuha.dev/locus/internal/locus"
)

type FrameMessage struct {
	Length   int
	Protocol byte
	Payload  []byte
	Buffer   []byte
}

const (
	LOGIN           byte = 0x01
	LOCATION_UPDATE byte = 0x02
	SAT_UPDATE      byte = 0x03
	GPS_ERROR       byte = 0x04
	GPS_INIT        byte = 0x05
	STATUS          byte = 0x06
)

type LoginMessage struct {
	SnType     string `json:"sn_type"`
	Serial     string `json:"serial"`
	DeviceType string `json:"device_type"`
}

type Sat struct {
	SPRN      int64 `json:"svprn"`
	SNR       int64 `json:"snr"`
	UsedInFix bool  `json:"fix"`
}

type LocationMessage struct {
	GpsTime     time.Time `json:"gps_time"`
	MachineTime time.Time `json:"machine_time"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Altitude    float32   `json:"altitude"`
	Accuracy    float32   `json:"accuracy"`
	Hdop        float32   `json:"hdop"`
	SatInview   int       `json:"sat_inview"`
	SatTracked  int       `json:"sat_tracked"`
	SatUsed     int       `json:"sat_used"`
	Fix         bool      `json:"fix"`
	FixMode     string    `json:"fix_mode"`
	Speed       float32   `json:"speed"`
}

// uereMeters turns HDOP into an accuracy radius when the receiver does not
// report one.
const uereMeters = 5

func (m *LocationMessage) Location(source string, received time.Time) locus.Location {
	acc := float64(m.Accuracy)
	if acc == 0 && m.Hdop > 0 {
		acc = float64(m.Hdop) * uereMeters
	}
	ts := m.GpsTime
	if ts.IsZero() {
		ts = received
	}
	return locus.Location{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Altitude:  float64(m.Altitude),
		Speed:     float64(m.Speed),
		Accuracy:  acc,
		Timestamp: ts,
		Source:    source,
	}
}

type StatusMessage struct {
	GpsStatus      bool      `json:"gps_status"`
	LastLongitude  float64   `json:"last_longitude,omitempty"`
	LastLatitude   float64   `json:"last_latitude,omitempty"`
	LastFix        time.Time `json:"last_fix,omitempty"`
	LastSatTracked int       `json:"last_sat_tracked,omitempty"`
	LastSatInview  int       `json:"last_sat_inview,omitempty"`
	LastSatUsed    int       `json:"last_sat_used,omitempty"`
	LastSatUpdate  time.Time `json:"last_sat_update,omitempty"`
}
