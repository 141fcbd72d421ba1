package server

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/protocol"
	"github.com/NicolasHaas/gochat/pkg/store"
)

// Handshake replies.
const (
	msgRegistered      = "registration successful"
	msgMissingCreds    = "missing username or password"
	msgUserExists      = "username already exists"
	msgInvalidUsername = "invalid username: must be 1-32 letters, digits, '_' or '-'"
	msgRegisterFailed  = "registration failed"
	msgMissingLogin    = "missing login"
	msgInvalidCreds    = "invalid username or password"
	msgAlreadyLoggedIn = "already logged in"
	msgLoggedIn        = "login successful"
	msgLineTooLong     = "line too long"
)

// authenticate runs the register/login handshake on c. On success the
// session is already in the registry and login_result{ok:true} has been
// sent. On failure the caller closes the connection.
func (s *Server) authenticate(c *Conn, rd *protocol.Reader, log *slog.Logger) (string, bool) {
	if s.cfg.HandshakeTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}

	first, err := rd.Next()
	if err != nil {
		s.handshakeReadErr(c, log, err)
		return "", false
	}

	if first.Type == protocol.TypeRegister && !first.Malformed {
		if !s.handleRegister(c, first, log) {
			return "", false
		}
		first, err = rd.Next()
		if err != nil {
			s.handshakeReadErr(c, log, err)
			return "", false
		}
	}

	if first.Type != protocol.TypeLogin || first.Malformed {
		s.metrics.FailedAuths.Add(1)
		_ = c.Send(protocol.LoginResult(false, msgMissingLogin))
		log.Debug("handshake violation", "type", first.Type)
		return "", false
	}

	username := strings.TrimSpace(first.Username)
	if err := s.creds.Verify(username, first.Password); err != nil {
		s.metrics.FailedAuths.Add(1)
		_ = c.Send(protocol.LoginResult(false, msgInvalidCreds))
		log.Info("login rejected", "user", username)
		return "", false
	}

	bound, err := c.bindAndSend(s.registry, username, protocol.LoginResult(true, msgLoggedIn))
	if !bound {
		s.metrics.FailedAuths.Add(1)
		_ = c.Send(protocol.LoginResult(false, msgAlreadyLoggedIn))
		log.Info("login rejected", "user", username, "err", err)
		return "", false
	}
	if err != nil {
		// The deferred cleanup unregisters and announces the departure.
		log.Debug("login reply failed", "user", username, "err", err)
		return username, false
	}

	if s.cfg.IdleTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	} else {
		_ = c.raw.SetReadDeadline(time.Time{})
	}
	s.metrics.SuccessfulAuths.Add(1)
	return username, true
}

// handleRegister processes a register frame and reports whether the
// handshake continues.
func (s *Server) handleRegister(c *Conn, p *protocol.Packet, log *slog.Logger) bool {
	username := strings.TrimSpace(p.Username)

	err := s.creds.Register(username, p.Password)
	if err == nil {
		s.metrics.Registrations.Add(1)
		_ = c.Send(protocol.RegisterResult(true, msgRegistered))
		return true
	}

	reply := msgRegisterFailed
	switch {
	case errors.Is(err, store.ErrMissingCredentials):
		reply = msgMissingCreds
	case errors.Is(err, store.ErrUserExists):
		reply = msgUserExists
	case errors.Is(err, model.ErrUsernameEmpty),
		errors.Is(err, model.ErrUsernameTooLong),
		errors.Is(err, model.ErrUsernameInvalidChars):
		reply = msgInvalidUsername
	default:
		log.Error("registration failed", "user", username, "err", err)
	}
	s.metrics.FailedAuths.Add(1)
	_ = c.Send(protocol.RegisterResult(false, reply))
	return false
}

// handshakeReadErr answers an oversized line the same way the message loop
// does; other read failures just end the connection.
func (s *Server) handshakeReadErr(c *Conn, log *slog.Logger, err error) {
	if errors.Is(err, protocol.ErrLineTooLong) {
		s.metrics.MalformedFrames.Add(1)
		_ = c.Send(protocol.System(msgLineTooLong))
		log.Warn("line too long during handshake, disconnecting")
		return
	}
	s.logReadErr(log, "handshake read failed", err)
}
