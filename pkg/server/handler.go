package server

import (
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/NicolasHaas/gochat/pkg/protocol"
)

func newPacketReader(c *Conn, maxLine int) *protocol.Reader {
	return protocol.NewReader(c.raw, maxLine)
}

// serve runs the authenticated message loop until the peer quits, the
// connection fails or the server shuts down.
func (s *Server) serve(c *Conn, rd *protocol.Reader, username string, log *slog.Logger) {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		p, err := rd.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				s.metrics.MalformedFrames.Add(1)
				_ = c.Send(protocol.System(msgLineTooLong))
				log.Warn("line too long, disconnecting")
				return
			}
			s.logReadErr(log, "read error", err)
			return
		}
		if s.cfg.IdleTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		if p.Malformed {
			s.metrics.MalformedFrames.Add(1)
			_ = c.Send(p)
			continue
		}

		switch p.Type {
		case protocol.TypeChat:
			s.handleChat(username, p)
		case protocol.TypeDM:
			s.handleDM(c, username, p)
		case protocol.TypeQuit:
			log.Debug("client quit")
			return
		default:
			_ = c.Send(protocol.System("unsupported packet type: " + string(p.Type)))
		}
	}
}

func (s *Server) handleChat(username string, p *protocol.Packet) {
	text := strings.TrimSpace(sanitizeText(p.Text))
	if text == "" {
		return
	}
	s.metrics.ChatMessagesSent.Add(1)
	s.Broadcast(protocol.Chat(username, text, s.timestamp()), "")
}

func (s *Server) handleDM(c *Conn, username string, p *protocol.Packet) {
	to := strings.TrimSpace(p.To)
	if to == "" {
		_ = c.Send(protocol.System("no recipient selected"))
		return
	}
	text := strings.TrimSpace(sanitizeText(p.Text))
	if text == "" {
		return
	}
	if _, ok := s.registry.Lookup(to); !ok {
		_ = c.Send(protocol.System("user '" + to + "' is not online"))
		return
	}
	s.metrics.DirectMessagesSent.Add(1)
	s.DirectMessage(username, to, protocol.DM(username, to, text, s.timestamp()))
}

// sanitizeText strips control characters from user-supplied text.
// Newlines become spaces so a message always renders on one line.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// logReadErr logs read failures, keeping ordinary disconnects at debug.
func (s *Server) logReadErr(log *slog.Logger, msg string, err error) {
	if isClosedErr(err) || isTimeout(err) {
		log.Debug(msg, "err", err)
		return
	}
	log.Warn(msg, "err", err)
}
