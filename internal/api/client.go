package api

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
)

// Client owns one accepted connection. The read loop holds a reference for
// the connection's lifetime and every in-flight call holds another, so the
// socket stays writable until the last pending response is emitted, then
// closes exactly once.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex
	refs atomic.Int32
	dead atomic.Bool
}

func newClient(conn net.Conn) *Client {
	c := &Client{conn: conn}
	c.refs.Store(1) // read loop's reference
	return c
}

func (c *Client) acquire() {
	c.refs.Add(1)
}

func (c *Client) release() {
	if c.refs.Add(-1) == 0 {
		c.conn.Close()
	}
}

// send writes one framed response. A dead peer is tolerated: the response
// is logged and dropped, later sends short-circuit.
func (c *Client) send(line []byte) {
	if c.dead.Load() {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(line); err != nil {
		c.dead.Store(true)
		logging.Op().Debug("dropping response for disconnected client", "error", err)
	}
}
