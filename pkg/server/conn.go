package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// Conn is one client connection. Writes from any goroutine are serialized so
// frames never interleave on the wire.
type Conn struct {
	id           string
	raw          net.Conn
	remote       string
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(raw net.Conn, writeTimeout time.Duration) *Conn {
	remote := ""
	if addr := raw.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Conn{
		id:           uuid.NewString(),
		raw:          raw,
		remote:       remote,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address as a string.
func (c *Conn) RemoteAddr() string { return c.remote }

// Send encodes and writes one packet.
func (c *Conn) Send(p *protocol.Packet) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

// writeFrame writes an already-encoded frame.
func (c *Conn) writeFrame(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked(data)
}

// bindAndSend registers c under username and writes p before any other
// writer can reach the connection: broadcasts that find c in the registry
// block on the write lock until p is on the wire. bound reports whether the
// registration happened; err is the registration or write error.
func (c *Conn) bindAndSend(r *Registry, username string, p *protocol.Packet) (bound bool, err error) {
	data, err := protocol.Encode(p)
	if err != nil {
		return false, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := r.Register(c, username); err != nil {
		return false, err
	}
	return true, c.writeLocked(data)
}

func (c *Conn) writeLocked(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.raw.Write(data)
	return err
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// isClosedErr reports errors that mean the peer or the server closed the
// connection, as opposed to a genuine I/O failure.
func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
