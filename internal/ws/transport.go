package ws

import (
	"log"

	"github.com/anonmeet/meet-server/internal/protocol"
)

// Transport delivers server events to users connected to this instance.
type Transport struct {
	server *Server
}

// NewTransport wraps a server.
func NewTransport(server *Server) *Transport {
	return &Transport{server: server}
}

// Send encodes payload under event and writes it to the user's connection.
// It reports false when the user is not connected here or the write failed.
func (t *Transport) Send(userID, event string, payload interface{}) bool {
	c := t.server.conns.Get(userID)
	if c == nil {
		return false
	}
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("[ws] failed to build %s for user=%s: %v", event, userID, err)
		return false
	}
	if err := t.server.write(c, data); err != nil {
		log.Printf("[ws] send %s to user=%s: %v", event, userID, err)
		return false
	}
	return true
}

// Online reports whether the user has a live connection on this instance.
func (t *Transport) Online(userID string) bool {
	return t.server.conns.Get(userID) != nil
}
