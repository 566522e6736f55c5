package natsfeed

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Transport is the part of a NATS connection the feed uses.
type Transport interface {
	Connected() bool
	Request(ctx context.Context, subj string, data []byte) ([]byte, error)
	// Subscribe calls fn for every message on subj until unsubscribe.
	// unsubscribe may be called from inside fn.
	Subscribe(subj string, fn func([]byte)) (unsubscribe func() error, err error)
}

type natsTransport struct {
	nc *nats.Conn
}

func NewTransport(nc *nats.Conn) Transport {
	return &natsTransport{nc: nc}
}

// Dial connects to url with reconnects enabled.
func Dial(url, name string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
}

func (t *natsTransport) Connected() bool {
	return t.nc.IsConnected()
}

func (t *natsTransport) Request(ctx context.Context, subj string, data []byte) ([]byte, error) {
	msg, err := t.nc.RequestWithContext(ctx, subj, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (t *natsTransport) Subscribe(subj string, fn func([]byte)) (func() error, error) {
	sub, err := t.nc.Subscribe(subj, func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}
