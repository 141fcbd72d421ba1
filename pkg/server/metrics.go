package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current open connections, authenticated or not
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Auth counters
	FailedAuths     atomic.Int64 // rejected register or login attempts
	SuccessfulAuths atomic.Int64 // completed logins
	Registrations   atomic.Int64 // accounts created
	OnlineUsers     atomic.Int64 // sessions in the registry at the last presence update

	// Message counters
	ChatMessagesSent   atomic.Int64 // broadcast chat messages relayed
	DirectMessagesSent atomic.Int64 // direct messages relayed
	MalformedFrames    atomic.Int64 // unparseable or oversized inbound lines
	DeliveryFailures   atomic.Int64 // failed writes to individual recipients
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	SuccessfulAuths int64 `json:"successful_auths"`
	FailedAuths     int64 `json:"failed_auths"`
	Registrations   int64 `json:"registrations"`
	OnlineUsers     int64 `json:"online_users"`

	ChatMessagesSent   int64 `json:"chat_messages_sent"`
	DirectMessagesSent int64 `json:"direct_messages_sent"`
	MalformedFrames    int64 `json:"malformed_frames"`
	DeliveryFailures   int64 `json:"delivery_failures"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:             uptime.Truncate(time.Second).String(),
		UptimeSeconds:      int64(uptime.Seconds()),
		ActiveConnections:  m.ActiveConnections.Load(),
		TotalConnections:   m.TotalConnections.Load(),
		TotalDisconnects:   m.TotalDisconnects.Load(),
		SuccessfulAuths:    m.SuccessfulAuths.Load(),
		FailedAuths:        m.FailedAuths.Load(),
		Registrations:      m.Registrations.Load(),
		OnlineUsers:        m.OnlineUsers.Load(),
		ChatMessagesSent:   m.ChatMessagesSent.Load(),
		DirectMessagesSent: m.DirectMessagesSent.Load(),
		MalformedFrames:    m.MalformedFrames.Load(),
		DeliveryFailures:   m.DeliveryFailures.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"online", s.OnlineUsers,
		"chat_msgs", s.ChatMessagesSent,
		"dms", s.DirectMessagesSent,
		"delivery_failures", s.DeliveryFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
