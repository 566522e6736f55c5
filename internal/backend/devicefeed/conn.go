package devicefeed

import (
	"bufio"
	"net"
	"time"

	"github.com/phuslu/log"
)

// rconn is a receiver connection read through a buffer, so the login check
// can look at the start byte without consuming it.
type rconn struct {
	net.Conn
	cid    uint64
	remote string
	opened time.Time
	br     *bufio.Reader
}

func newRconn(c net.Conn, cid uint64) *rconn {
	return &rconn{Conn: c, cid: cid, remote: c.RemoteAddr().String(), opened: time.Now(), br: bufio.NewReader(c)}
}

func (c *rconn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// framed reports whether the next unread byte starts a frame.
func (c *rconn) framed() (bool, error) {
	b, err := c.br.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == startByte, nil
}

func (c *rconn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Str("remote", c.remote).Dur("age", time.Since(c.opened))
}
