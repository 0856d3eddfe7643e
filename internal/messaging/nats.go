// Package messaging connects meet instances and the standalone matcher
// over NATS: per-user event delivery, presence checks, session end
// broadcasts and queue admission notices.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects. Deliver and presence take a ".<user id>" suffix.
const (
	SubjectDeliver      = "meet.deliver"
	SubjectPresence     = "meet.presence"
	SubjectSessionEnded = "meet.session.ended"
	SubjectQueueAdded   = "meet.queue.added"
)

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"` // -1 retries forever
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "meet",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

func (cfg NATSConfig) options() []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected url=%s", nc.ConnectedUrl())
		}),
	}
}

// NATSClient owns one NATS connection and every subscription made
// through it, so Close can drain them together.
type NATSClient struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient dials cfg.URL. A failed first dial is returned as an error;
// later drops are retried per cfg.
func NewNATSClient(cfg NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	log.Printf("[nats] connected url=%s name=%s", nc.ConnectedUrl(), cfg.Name)
	return &NATSClient{conn: nc}, nil
}

func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *NATSClient) Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(subject, data, timeout)
}

func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats: encode %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// SessionEndedEvent is broadcast by the instance that ended a session so
// the peer's instance can notify it.
type SessionEndedEvent struct {
	SessionID string `json:"session_id"`
	User1ID   string `json:"user1_id"`
	User2ID   string `json:"user2_id"`
	IsBot     bool   `json:"is_bot"`
	EndedAt   int64  `json:"ended_at"`
	Origin    string `json:"origin"`
}

func (c *NATSClient) PublishSessionEnded(e SessionEndedEvent) error {
	return c.publishJSON(SubjectSessionEnded, e)
}

// SubscribeSessionEnded decodes broadcasts and drops malformed ones.
func (c *NATSClient) SubscribeSessionEnded(handler func(e SessionEndedEvent)) error {
	return c.Subscribe(SubjectSessionEnded, func(msg *nats.Msg) {
		var e SessionEndedEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			log.Printf("[nats] drop %s: %v", msg.Subject, err)
			return
		}
		handler(e)
	})
}

// PublishQueueAdded wakes the standalone matcher. The payload is the bare
// user id.
func (c *NATSClient) PublishQueueAdded(userID string) error {
	return c.Publish(SubjectQueueAdded, []byte(userID))
}

func (c *NATSClient) SubscribeQueueAdded(handler func(userID string)) error {
	return c.Subscribe(SubjectQueueAdded, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
}

// Close drains subscriptions, then the connection. Pending handlers finish
// before it returns control to NATS.
func (c *NATSClient) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain connection: %v", err)
	}
}
