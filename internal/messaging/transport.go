package messaging

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// presenceTimeout bounds how long Online waits for another instance to
// claim a user.
const presenceTimeout = 250 * time.Millisecond

// LocalTransport is the instance-local delivery path (ws.Transport).
type LocalTransport interface {
	Send(userID, event string, payload interface{}) bool
	Online(userID string) bool
}

// Bus is the subset of NATSClient the cluster transport needs.
type Bus interface {
	Publish(subject string, data []byte) error
	Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error)
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// Delivery is the envelope carried on meet.deliver.<user_id>.
type Delivery struct {
	UserID  string          `json:"user_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin"`
}

// ClusterTransport delivers to local connections first and otherwise
// publishes the event for whichever instance holds the user. Delivery stays
// at-most-once: an event for a user connected nowhere is dropped by NATS.
type ClusterTransport struct {
	local    LocalTransport
	bus      Bus
	instance string
}

// NewClusterTransport creates a transport. local may be nil for processes
// without client connections, such as the standalone matcher.
func NewClusterTransport(local LocalTransport, bus Bus, instance string) *ClusterTransport {
	return &ClusterTransport{local: local, bus: bus, instance: instance}
}

// Start subscribes to deliveries and presence queries for local users.
func (t *ClusterTransport) Start() error {
	if t.local == nil {
		return nil
	}
	if err := t.bus.Subscribe(SubjectDeliver+".*", t.handleDeliver); err != nil {
		return err
	}
	return t.bus.Subscribe(SubjectPresence+".*", t.handlePresence)
}

// Send implements relay.Transport.
func (t *ClusterTransport) Send(userID, event string, payload interface{}) bool {
	if t.local != nil && t.local.Send(userID, event, payload) {
		return true
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[nats] marshal %s for %s: %v", event, userID, err)
			return false
		}
		raw = b
	}
	data, err := json.Marshal(Delivery{UserID: userID, Event: event, Payload: raw, Origin: t.instance})
	if err != nil {
		log.Printf("[nats] marshal delivery for %s: %v", userID, err)
		return false
	}
	if err := t.bus.Publish(SubjectDeliver+"."+userID, data); err != nil {
		log.Printf("[nats] publish delivery for %s: %v", userID, err)
		return false
	}
	return true
}

// Online reports whether the user is connected to this or any other
// instance.
func (t *ClusterTransport) Online(userID string) bool {
	if t.local != nil && t.local.Online(userID) {
		return true
	}
	_, err := t.bus.Request(SubjectPresence+"."+userID, []byte(t.instance), presenceTimeout)
	return err == nil
}

func (t *ClusterTransport) handleDeliver(msg *nats.Msg) {
	var d Delivery
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		log.Printf("[nats] bad delivery on %s: %v", msg.Subject, err)
		return
	}
	if d.Origin == t.instance {
		return
	}
	var payload interface{}
	if len(d.Payload) > 0 {
		payload = d.Payload
	}
	t.local.Send(d.UserID, d.Event, payload)
}

func (t *ClusterTransport) handlePresence(msg *nats.Msg) {
	userID := msg.Subject[len(SubjectPresence)+1:]
	if !t.local.Online(userID) {
		return
	}
	if err := msg.Respond([]byte(t.instance)); err != nil {
		log.Printf("[nats] presence reply for %s: %v", userID, err)
	}
}
