// Package client provides a WebSocket load test client for the meet server.
// It connects with gobwas/ws (the same library the server uses), records the
// user id from the connected greeting and dispatches every server event to
// registered handlers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeStartMatching  = "start-matching"
	TypeCancelMatching = "cancel-matching"
	TypeAcceptBot      = "accept-bot"
	TypeCreateLink     = "create-link"
	TypeJoinSession    = "join-session"
	TypeTextMessage    = "text-message"
	TypeEndSession     = "end-session"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeConnected        = "connected"
	TypeRegionDetected   = "region-detected"
	TypeQueued           = "queued"
	TypeMatched          = "matched"
	TypeBotAvailable     = "bot-available"
	TypeLinkCreated      = "link-created"
	TypePeerDisconnected = "peer-disconnected"
	TypeSessionEnded     = "session-ended"
	TypeError            = "error"
	TypePong             = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	GreetingLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Matched is the payload of a matched event.
type Matched struct {
	SessionID string `json:"sessionId"`
	PeerID    string `json:"peerId"`
	IsPeerBot bool   `json:"isPeerBot"`
	Initiator bool   `json:"initiator"`
}

// Text is the payload of a text-message event.
type Text struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from,omitempty"`
}

// Client is one simulated user.
type Client struct {
	conn    net.Conn
	started time.Time
	writeMu sync.Mutex

	mu       sync.Mutex
	userID   string
	region   string
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	greeted   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading events in the background.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		started:  start,
		handlers: make(map[string]func(json.RawMessage)),
		greeted:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send writes a message of the given type. Payload fields are merged into
// the envelope. It is goroutine-safe.
func (c *Client) Send(msgType string, payload map[string]interface{}) error {
	msg := map[string]interface{}{"type": msgType}
	for k, v := range payload {
		msg[k] = v
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers the handler for one server event type, replacing any
// previous one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForGreeting blocks until the server has sent the user id.
func (c *Client) WaitForGreeting(ctx context.Context) error {
	select {
	case <-c.greeted:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before greeting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// UserID returns the id assigned by the server.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Region returns the region the server detected.
func (c *Client) Region() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			c.Close()
			return
		}

		var msg struct {
			Type   string `json:"type"`
			UserID string `json:"userId"`
			Region string `json:"region"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch msg.Type {
		case TypeConnected:
			if c.userID == "" {
				c.userID = msg.UserID
				c.metrics.GreetingLatency = time.Since(c.started)
				close(c.greeted)
			}
		case TypeRegionDetected:
			c.region = msg.Region
		case TypeError:
			c.metrics.Errors++
		}
		handler := c.handlers[msg.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
