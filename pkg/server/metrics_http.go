package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format, plus /healthz. It shuts down when
// the server context is cancelled.
//
// Bind address is Config.MetricsAddr; empty disables the endpoint.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	writeMetrics(w, s.metrics, s.registry.Count())
}

func writeMetrics(w io.Writer, m *Metrics, sessions int) {
	uptime := time.Since(m.startTime).Seconds()

	// Write errors to the response are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("gochat_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("gochat_connections_active", "Current open connections.", "gauge",
		m.ActiveConnections.Load())
	write("gochat_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("gochat_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("gochat_sessions_active", "Authenticated sessions.", "gauge",
		int64(sessions))

	write("gochat_auth_success_total", "Successful logins.", "counter",
		m.SuccessfulAuths.Load())
	write("gochat_auth_failed_total", "Rejected register or login attempts.", "counter",
		m.FailedAuths.Load())
	write("gochat_registrations_total", "Accounts created.", "counter",
		m.Registrations.Load())

	write("gochat_chat_messages_total", "Broadcast chat messages relayed.", "counter",
		m.ChatMessagesSent.Load())
	write("gochat_direct_messages_total", "Direct messages relayed.", "counter",
		m.DirectMessagesSent.Load())
	write("gochat_malformed_frames_total", "Unparseable or oversized inbound lines.", "counter",
		m.MalformedFrames.Load())
	write("gochat_delivery_failures_total", "Failed writes to individual recipients.", "counter",
		m.DeliveryFailures.Load())
}
