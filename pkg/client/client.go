// Package client implements the gochat client networking.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// ErrRejected is returned when the server answers a handshake step with ok=false.
var ErrRejected = errors.New("client: rejected by server")

// EventHandler is a callback for incoming packets.
type EventHandler func(p *protocol.Packet)

// Client manages one TCP connection to a chat server.
type Client struct {
	conn    net.Conn
	reader  *protocol.Reader
	mu      sync.Mutex
	handler EventHandler
	done    chan struct{}
}

// Dial connects to the chat server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &Client{
		conn:   conn,
		reader: protocol.NewReader(conn, protocol.DefaultMaxLineBytes),
		done:   make(chan struct{}),
	}, nil
}

// SetEventHandler sets the callback used by StartReceiving.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Send writes one packet to the server.
func (c *Client) Send(p *protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WritePacket(c.conn, p)
}

// Recv reads the next packet. Not safe to use once StartReceiving runs.
func (c *Client) Recv() (*protocol.Packet, error) {
	return c.reader.Next()
}

// SetReadDeadline bounds the next Recv.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Register creates an account. The connection stays open for Login on
// success; on rejection the server closes it.
func (c *Client) Register(username, password string) (*protocol.Packet, error) {
	return c.handshake(protocol.Register(username, password), protocol.TypeRegisterResult)
}

// Login authenticates the connection.
func (c *Client) Login(username, password string) (*protocol.Packet, error) {
	return c.handshake(protocol.Login(username, password), protocol.TypeLoginResult)
}

func (c *Client) handshake(req *protocol.Packet, want protocol.Type) (*protocol.Packet, error) {
	if err := c.Send(req); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", req.Type, err)
	}
	resp, err := c.Recv()
	if err != nil {
		return nil, fmt.Errorf("client: read %s: %w", want, err)
	}
	if resp.Type != want {
		return resp, fmt.Errorf("client: unexpected response type %q", resp.Type)
	}
	if !resp.Succeeded() {
		return resp, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	return resp, nil
}

// Chat sends a broadcast message.
func (c *Client) Chat(text string) error {
	return c.Send(protocol.ChatRequest(text))
}

// DM sends a direct message to one user.
func (c *Client) DM(to, text string) error {
	return c.Send(protocol.DMRequest(to, text))
}

// Quit tells the server the session is ending.
func (c *Client) Quit() error {
	return c.Send(protocol.Quit())
}

// StartReceiving starts a goroutine that reads incoming packets
// and dispatches them to the event handler.
func (c *Client) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			p, err := c.reader.Next()
			if err != nil {
				if isClosedErr(err) {
					slog.Debug("connection closed")
					return
				}
				slog.Error("read error", "err", err)
				return
			}
			if c.handler != nil {
				c.handler(p)
			}
		}
	}()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the receive loop ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
