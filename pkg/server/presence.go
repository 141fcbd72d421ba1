package server

import (
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// notifyPresence sends the sorted online list to every session.
func (s *Server) notifyPresence() DeliveryReport {
	users := s.registry.OnlineUsernames()
	s.metrics.OnlineUsers.Store(int64(len(users)))
	return s.Broadcast(protocol.Presence(users), "")
}

// broadcastSystem sends a system notice to every session.
func (s *Server) broadcastSystem(text string) DeliveryReport {
	return s.Broadcast(protocol.System(text), "")
}

func (s *Server) announceJoin(username string) {
	s.broadcastSystem(username + " joined the room")
	s.notifyPresence()
}

func (s *Server) announceLeave(username string) {
	s.broadcastSystem(username + " left the room")
	s.notifyPresence()
}
