package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// Run starts the server and blocks until a shutdown signal arrives or
// Shutdown is called from elsewhere.
func (s *Server) Run() error {
	if s.creds == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	defer func() {
		if err := s.creds.Close(); err != nil {
			slog.Error("close credential store", "err", err)
		}
	}()

	if err := s.Start(); err != nil {
		return err
	}
	slog.Info("gochat server running", "addr", s.Addr().String(), "users", s.creds.Len())

	s.StartMetricsHTTP()
	if s.cfg.MetricsLogInterval > 0 {
		s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.ctx.Done())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		slog.Info("shutting down...")
	case <-s.ctx.Done():
	}
	s.Shutdown()
	return nil
}

// Shutdown stops accepting, tells every session the server is going away,
// closes all connections and waits for the handlers to finish.
// Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}

	// Clear first so the handlers' cleanup does not broadcast leave notices
	// to connections that are about to close.
	notice, _ := protocol.Encode(protocol.System("server shutting down"))
	for _, c := range s.registry.Clear() {
		_ = c.writeFrame(notice)
	}
	s.metrics.OnlineUsers.Store(0)

	s.liveMu.Lock()
	for c := range s.live {
		_ = c.Close()
	}
	s.liveMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		slog.Info("server stopped")
	case <-time.After(timeout):
		slog.Warn("shutdown timed out waiting for connections", "timeout", timeout)
	}
}
