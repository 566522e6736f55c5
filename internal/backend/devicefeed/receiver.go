package devicefeed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/phuslu/log"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	CONNECTION_REPLACED string = "connection_replaced"
	RECEIVER_GONE       string = "receiver_gone"
)

// ReceiverInfo is a point-in-time view of one logged in receiver.
type ReceiverInfo struct {
	Serial     string    `json:"serial"`
	SnType     string    `json:"sn_type"`
	DeviceType string    `json:"device_type"`
	GpsOn      bool      `json:"gps_on"`
	LastFix    time.Time `json:"last_fix,omitempty"`
	LastStatus time.Time `json:"last_status,omitempty"`
	LastGpsErr time.Time `json:"last_gps_error,omitempty"`
	Satellites int       `json:"satellites"`
}

type receiver struct {
	feed  *Feed
	c     *rconn
	login LoginMessage
	log   log.Logger
	msg   FrameMessage

	mu          sync.Mutex
	gpsOn       bool
	lastFix     time.Time
	lastStatus  time.Time
	lastGpsErr  time.Time
	lastGpsInit time.Time
	sat         []Sat
}

func newReceiver(f *Feed, c *rconn, login LoginMessage) *receiver {
	r := &receiver{feed: f, c: c, login: login}
	r.log = f.log
	r.log.Context = log.NewContext(nil).Str("module", "receiver").Str("serial", login.Serial).Value()
	r.msg.Buffer = make([]byte, 1000)
	r.sat = make([]Sat, 0, 100)
	// a receiver that just logged in is assumed to have its GPS on until it
	// reports otherwise
	r.gpsOn = true
	return r
}

func (r *receiver) MarshalObject(e *log.Entry) {
	e.EmbedObject(r.c).Str("serial", r.login.Serial).Str("device_type", r.login.DeviceType)
}

func (r *receiver) info() ReceiverInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReceiverInfo{
		Serial:     r.login.Serial,
		SnType:     r.login.SnType,
		DeviceType: r.login.DeviceType,
		GpsOn:      r.gpsOn,
		LastFix:    r.lastFix,
		LastStatus: r.lastStatus,
		LastGpsErr: r.lastGpsErr,
		Satellites: len(r.sat),
	}
}

// usable reports whether the receiver can be expected to produce fixes.
func (r *receiver) usable(now time.Time, staleAfter time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gpsOn {
		return true
	}
	return !r.lastFix.IsZero() && now.Sub(r.lastFix) < staleAfter
}

func (r *receiver) close() {
	r.c.Close()
}

func (r *receiver) run() {
	defer r.feed.forget(r)
	for {
		err := ReadMessage(r.c, &r.msg)
		if err != nil {
			r.log.Debug().Err(err).EmbedObject(r).Msg("connection ended")
			r.c.Close()
			return
		}
		tread := time.Now().UTC()
		switch r.msg.Protocol {
		case LOCATION_UPDATE:
			var loc LocationMessage
			err = json.Unmarshal(r.msg.Payload, &loc)
			if err != nil {
				r.log.Error().Err(err).EmbedObject(r).Msg("error parsing location data")
				r.c.Close()
				return
			}
			if !loc.Fix {
				r.log.Trace().EmbedObject(r).Msg("location without fix ignored")
				continue
			}
			r.mu.Lock()
			r.lastFix = tread
			r.gpsOn = true
			r.mu.Unlock()
			r.feed.publish(loc.Location(r.feed.Name(), tread))

		case STATUS:
			var status StatusMessage
			err = json.Unmarshal(r.msg.Payload, &status)
			if err != nil {
				r.log.Error().Err(err).EmbedObject(r).Msg("error parsing status data")
				r.c.Close()
				return
			}
			r.mu.Lock()
			r.lastStatus = tread
			r.gpsOn = status.GpsStatus
			r.mu.Unlock()

		case SAT_UPDATE:
			var sat []Sat
			err = json.Unmarshal(r.msg.Payload, &sat)
			if err != nil {
				r.log.Error().Err(err).EmbedObject(r).Msg("error parsing satellite data")
				r.c.Close()
				return
			}
			r.mu.Lock()
			r.sat = append(r.sat[:0], sat...)
			r.mu.Unlock()

		case GPS_ERROR:
			r.mu.Lock()
			r.lastGpsErr = tread
			r.gpsOn = false
			r.mu.Unlock()
			r.log.Warn().EmbedObject(r).Msg("receiver reported gps error")

		case GPS_INIT:
			r.mu.Lock()
			r.lastGpsInit = tread
			r.gpsOn = true
			r.mu.Unlock()

		default:
			r.log.Debug().EmbedObject(r).Msgf("unknown protocol %x", r.msg.Protocol)
		}
	}
}
