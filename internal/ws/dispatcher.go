package ws

import (
	"errors"
	"log"

	"github.com/anonmeet/meet-server/internal/metrics"
	"github.com/anonmeet/meet-server/internal/protocol"
)

// MessageHandler handles one parsed client message. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and sends
// INVALID_MESSAGE errors for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference. The dispatcher is usually created
// first since NewServer takes its Dispatch method.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] dispatch parse error user=%s: %v", conn.ID, err)
		message := "invalid message format"
		if errors.Is(err, protocol.ErrUnknownType) {
			message = "unsupported message type"
		}
		d.reply(conn, protocol.TypeError, protocol.NewError(protocol.CodeInvalidMessage, message))
		return
	}

	if msgType == protocol.TypePing {
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[ws] no handler for type=%q user=%s", msgType, conn.ID)
		d.reply(conn, protocol.TypeError, protocol.NewError(protocol.CodeInvalidMessage, "unsupported message type"))
		return
	}

	metrics.MessagesTotal.WithLabelValues("in:" + msgType).Inc()
	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("[ws] failed to build %s for user=%s: %v", event, conn.ID, err)
		return
	}
	if err := d.server.write(conn, data); err != nil {
		log.Printf("[ws] failed to send %s to user=%s: %v", event, conn.ID, err)
	}
}
