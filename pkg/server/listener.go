package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
)

// Start binds the TCP listener and begins accepting in the background.
// It returns once the socket is listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.ln = ln
	slog.Info("chat server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "err", err)
			continue
		}

		c := newConn(raw, s.cfg.WriteTimeout)
		s.track(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

// handleConn owns one connection from accept to cleanup.
func (s *Server) handleConn(c *Conn) {
	log := slog.With("remote", c.RemoteAddr(), "conn", c.ID())
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	log.Debug("new connection")

	defer func() {
		if username, ok := s.registry.Unregister(c); ok {
			log.Info("client disconnected", "user", username)
			s.announceLeave(username)
		}
		s.untrack(c)
		_ = c.Close()
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	// A shutdown that raced the accept has already swept the live set.
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	rd := newPacketReader(c, s.cfg.MaxLineBytes)
	username, ok := s.authenticate(c, rd, log)
	if !ok {
		return
	}

	log = log.With("user", username)
	log.Info("client authenticated")
	s.announceJoin(username)

	s.serve(c, rd, username, log)
}
