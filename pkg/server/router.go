package server

import (
	"log/slog"

	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// DeliveryReport counts the outcome of one fan-out.
type DeliveryReport struct {
	Delivered int
	Failed    int
}

// Broadcast sends p to every session except the one named exclude (empty
// excludes nobody). The registry is snapshotted first; no lock is held while
// writing. A failed recipient never stops delivery to the others.
func (s *Server) Broadcast(p *protocol.Packet, exclude string) DeliveryReport {
	var report DeliveryReport

	data, err := protocol.Encode(p)
	if err != nil {
		slog.Error("encode broadcast", "type", p.Type, "err", err)
		return report
	}

	for c, username := range s.registry.Snapshot() {
		if exclude != "" && username == exclude {
			continue
		}
		s.deliver(c, username, data, &report)
	}
	return report
}

// DirectMessage sends p to the recipient and echoes it to the sender. A side
// that is no longer connected is skipped silently. A self-DM is delivered once.
func (s *Server) DirectMessage(from, to string, p *protocol.Packet) DeliveryReport {
	var report DeliveryReport

	data, err := protocol.Encode(p)
	if err != nil {
		slog.Error("encode dm", "err", err)
		return report
	}

	toConn, toOK := s.registry.Lookup(to)
	fromConn, fromOK := s.registry.Lookup(from)

	if toOK {
		s.deliver(toConn, to, data, &report)
	}
	if fromOK && (!toOK || fromConn != toConn) {
		s.deliver(fromConn, from, data, &report)
	}
	return report
}

func (s *Server) deliver(c *Conn, username string, data []byte, report *DeliveryReport) {
	if err := c.writeFrame(data); err != nil {
		report.Failed++
		s.metrics.DeliveryFailures.Add(1)
		slog.Debug("delivery failed", "user", username, "conn", c.ID(), "err", err)
		if s.onDeliveryError != nil {
			s.onDeliveryError(username, err)
		}
		return
	}
	report.Delivered++
}
