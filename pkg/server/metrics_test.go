package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteMetrics(t *testing.T) {
	m := NewMetrics()
	m.ChatMessagesSent.Add(3)
	m.DirectMessagesSent.Add(2)
	m.DeliveryFailures.Add(1)
	m.ActiveConnections.Add(4)

	var buf bytes.Buffer
	writeMetrics(&buf, m, 2)
	out := buf.String()

	for _, line := range []string{
		"# TYPE gochat_chat_messages_total counter",
		"gochat_chat_messages_total 3",
		"gochat_direct_messages_total 2",
		"gochat_delivery_failures_total 1",
		"# TYPE gochat_connections_active gauge",
		"gochat_connections_active 4",
		"gochat_sessions_active 2",
		"gochat_auth_failed_total 0",
	} {
		if !strings.Contains(out, line+"\n") {
			t.Errorf("exposition missing %q", line)
		}
	}
}

func TestMetricsEndpoints(t *testing.T) {
	srv := New(DefaultConfig(), Dependencies{})
	t.Cleanup(srv.Shutdown)
	srv.metrics.Registrations.Add(5)

	ts := httptest.NewServer(srv.metricsMux())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(body.String(), "gochat_registrations_total 5\n") {
		t.Fatalf("registrations counter missing from:\n%s", body.String())
	}

	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", health.StatusCode)
	}
}

func TestMetricsSnapshotJSON(t *testing.T) {
	m := NewMetrics()
	m.MalformedFrames.Add(7)
	if s := m.Snapshot(); s.MalformedFrames != 7 {
		t.Fatalf("MalformedFrames = %d, want 7", s.MalformedFrames)
	}
	if !strings.Contains(m.JSON(), `"malformed_frames": 7`) {
		t.Fatalf("JSON missing malformed_frames: %s", m.JSON())
	}
}
