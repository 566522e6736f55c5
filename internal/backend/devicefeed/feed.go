// Package devicefeed is a location client fed by GNSS receivers that dial
// in over TCP and stream framed JSON messages.
package devicefeed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/locus/internal/backend"
	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/settings"
)

var (
	ErrFeedClosed = errors.New("devicefeed: feed closed")
	ErrNoReceiver = errors.New("devicefeed: no receiver connected")
)

const Name = "devicefeed"

type Config struct {
	ListenerAddr  string
	ProxyProtocol bool
	LoginTimeout  time.Duration
	// StaleAfter is how long a fix keeps a receiver with its GPS reported off
	// counted as usable.
	StaleAfter time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LoginTimeout <= 0 {
		out.LoginTimeout = 2 * time.Second
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = time.Minute
	}
	return out
}

type Feed struct {
	log  log.Logger
	conf Config

	mu          sync.Mutex
	ln          net.Listener
	cidCounter  uint64
	receivers   map[string]*receiver
	conns       map[*rconn]bool
	listeners   map[uint64]backend.Listener
	nextID      uint64
	last        *locus.Location
	closed      bool
	acceptDone  chan struct{}
	connections sync.WaitGroup
}

func NewFeed(conf *Config) *Feed {
	f := &Feed{}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "devicefeed").Value()
	f.conf = conf.withDefaults()
	f.receivers = make(map[string]*receiver)
	f.conns = make(map[*rconn]bool)
	f.listeners = make(map[uint64]backend.Listener)
	return f
}

// Listen binds the listener. Serve must be called to accept connections.
func (f *Feed) Listen() error {
	f.log.Info().Msgf("starting device feed on %s", f.conf.ListenerAddr)
	ln, err := net.Listen("tcp", f.conf.ListenerAddr)
	if err != nil {
		f.log.Error().Err(err).Msg("unable to listen")
		return err
	}
	if f.conf.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		ln.Close()
		return ErrFeedClosed
	}
	f.ln = ln
	return nil
}

func (f *Feed) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

// Serve accepts connections until Close. It returns nil after Close.
func (f *Feed) Serve() error {
	f.mu.Lock()
	if f.ln == nil || f.acceptDone != nil {
		f.mu.Unlock()
		return errors.New("devicefeed: not listening")
	}
	ln, done := f.ln, make(chan struct{})
	f.acceptDone = done
	f.mu.Unlock()
	defer close(done)

	for {
		_c, err := ln.Accept()
		if err != nil {
			f.mu.Lock()
			closed := f.closed
			f.mu.Unlock()
			if closed {
				return nil
			}
			f.log.Error().Err(err).Msg("failed to accept new connection")
			return err
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_c.Close()
			return nil
		}
		c := newRconn(_c, f.cidCounter)
		f.cidCounter++
		f.conns[c] = true
		f.connections.Add(1)
		f.mu.Unlock()

		f.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		go f.handle(c)
	}
}

func (f *Feed) handle(c *rconn) {
	defer func() {
		f.mu.Lock()
		delete(f.conns, c)
		f.mu.Unlock()
		f.connections.Done()
	}()

	login, err := f.login(c)
	if err != nil {
		f.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Msg("error reading login message")
		c.Close()
		return
	}
	r := newReceiver(f, c, login)
	f.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(r).Msg("")

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		c.Close()
		return
	}
	old := f.receivers[login.Serial]
	f.receivers[login.Serial] = r
	f.mu.Unlock()
	if old != nil {
		f.log.Info().Str("event", CONNECTION_REPLACED).EmbedObject(old).Msg("replacing older connection")
		old.close()
	}
	r.run()
}

func (f *Feed) login(c *rconn) (LoginMessage, error) {
	var login LoginMessage
	_ = c.SetReadDeadline(time.Now().Add(f.conf.LoginTimeout))
	ok, err := c.framed()
	if err != nil {
		return login, err
	}
	if !ok {
		return login, errBadFrame
	}
	msg := FrameMessage{Buffer: make([]byte, 256)}
	if err = ReadMessage(c, &msg); err != nil {
		return login, err
	}
	_ = c.SetReadDeadline(time.Time{})
	if msg.Protocol != LOGIN {
		return login, errors.New("first message is not login")
	}
	if err = json.Unmarshal(msg.Payload, &login); err != nil {
		return login, err
	}
	if login.Serial == "" {
		return login, errors.New("login without serial")
	}
	return login, nil
}

// forget drops r unless a newer connection already took its serial.
func (f *Feed) forget(r *receiver) {
	f.mu.Lock()
	if f.receivers[r.login.Serial] == r {
		delete(f.receivers, r.login.Serial)
		f.log.Info().Str("event", RECEIVER_GONE).EmbedObject(r).Msg("")
	}
	f.mu.Unlock()
}

func (f *Feed) publish(loc locus.Location) {
	f.mu.Lock()
	l := loc
	f.last = &l
	ls := make([]backend.Listener, 0, len(f.listeners))
	for _, x := range f.listeners {
		ls = append(ls, x)
	}
	f.mu.Unlock()
	for _, x := range ls {
		x.OnLocation(loc)
	}
}

// Receivers lists the logged in receivers ordered by serial.
func (f *Feed) Receivers() []ReceiverInfo {
	f.mu.Lock()
	rs := make([]*receiver, 0, len(f.receivers))
	for _, r := range f.receivers {
		rs = append(rs, r)
	}
	f.mu.Unlock()
	out := make([]ReceiverInfo, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func (f *Feed) Name() string {
	return Name
}

func (f *Feed) Available(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln != nil && !f.closed
}

func (f *Feed) CheckSettings(ctx context.Context, cfg config.Configuration) settings.State {
	f.mu.Lock()
	rs := make([]*receiver, 0, len(f.receivers))
	for _, r := range f.receivers {
		rs = append(rs, r)
	}
	f.mu.Unlock()

	if len(rs) == 0 {
		return settings.UnresolvableState(ErrNoReceiver)
	}
	if cfg.Priority == config.PriorityPassive {
		return settings.SatisfiedState()
	}
	now := time.Now()
	first := ""
	for _, r := range rs {
		if r.usable(now, f.conf.StaleAfter) {
			return settings.SatisfiedState()
		}
		if first == "" || r.login.Serial < first {
			first = r.login.Serial
		}
	}
	return settings.ResolvableState(settings.Token(Name + ":gps-off:" + first))
}

func (f *Feed) LastLocation(ctx context.Context) (locus.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return locus.Location{}, backend.ErrNoLastLocation
	}
	return *f.last, nil
}

func (f *Feed) RequestUpdates(cfg config.Configuration, l backend.Listener) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	id := f.nextID
	f.nextID++
	f.listeners[id] = l
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}, nil
}

// Close stops accepting, drops every connection and fails the listeners
// still registered with ErrFeedClosed.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	ln, done := f.ln, f.acceptDone
	conns := make([]*rconn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	ls := make([]backend.Listener, 0, len(f.listeners))
	for _, x := range f.listeners {
		ls = append(ls, x)
	}
	f.listeners = make(map[uint64]backend.Listener)
	f.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	if done != nil {
		<-done
	}
	f.connections.Wait()
	for _, x := range ls {
		x.OnError(ErrFeedClosed)
	}
	return err
}
