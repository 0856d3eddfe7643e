// Package relay forwards WebRTC signaling and chat text between the two
// participants of a session. Messages to a human peer are passed through
// unmodified; messages to a bot peer are answered by a bot.Responder after a
// short randomized delay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/anonmeet/meet-server/internal/bot"
	"github.com/anonmeet/meet-server/internal/metrics"
	"github.com/anonmeet/meet-server/internal/moderation"
	"github.com/anonmeet/meet-server/internal/protocol"
	"github.com/anonmeet/meet-server/internal/session"
)

const (
	DefaultBotReplyMinDelay = 1 * time.Second
	DefaultBotReplyMaxDelay = 3 * time.Second

	// botReplyTimeout bounds a single GenerateReply call.
	botReplyTimeout = 15 * time.Second

	// FromBot marks text-message payloads produced by the bot.
	FromBot = "bot"
)

var (
	// ErrNoSession is returned when the sender is not in an active session.
	ErrNoSession = errors.New("relay: sender has no active session")

	// ErrInvalidText wraps text validation failures.
	ErrInvalidText = errors.New("relay: invalid text")

	// ErrTextBlocked is returned when the screener rejects a message.
	ErrTextBlocked = errors.New("relay: text blocked")
)

// BlockedError carries the user-facing reason a message was rejected.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return "relay: text blocked: " + e.Reason }

func (e *BlockedError) Unwrap() error { return ErrTextBlocked }

// Screener inspects chat text before it is relayed.
type Screener interface {
	Check(text string) moderation.Result
}

// Transport delivers an outbound event to a user. It reports false when the
// user has no live connection; such messages are dropped.
type Transport interface {
	Send(userID, event string, payload interface{}) bool
}

// SessionLookup resolves a user's active session.
type SessionLookup interface {
	GetSessionByUser(ctx context.Context, userID string) (*session.Session, error)
}

// Relay routes signaling between session participants.
type Relay struct {
	sessions  SessionLookup
	transport Transport
	responder bot.Responder
	screener  Screener
	minDelay  time.Duration
	maxDelay  time.Duration
	now       func() time.Time

	mu  sync.Mutex
	rng *rand.Rand

	// pending tracks bot replies that have not been delivered yet.
	pending sync.WaitGroup
}

// New creates a relay. Delays outside a sane range fall back to the defaults.
func New(sessions SessionLookup, transport Transport, responder bot.Responder, minDelay, maxDelay time.Duration) *Relay {
	if minDelay < 0 {
		minDelay = DefaultBotReplyMinDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Relay{
		sessions:  sessions,
		transport: transport,
		responder: responder,
		minDelay:  minDelay,
		maxDelay:  maxDelay,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetScreener installs a text screener. Call before the relay is in use.
func (r *Relay) SetScreener(s Screener) {
	r.screener = s
}

// Forward sends an offer, answer or ice-candidate payload to the sender's
// peer exactly as received. Signaling addressed to a bot is discarded.
func (r *Relay) Forward(ctx context.Context, senderID, event string, payload interface{}) error {
	sess, peerID, err := r.resolve(ctx, senderID)
	if err != nil {
		return err
	}
	if sess.IsBotPeer(peerID) {
		return nil
	}
	r.deliver(peerID, event, payload)
	return nil
}

// Text relays a chat message. A human peer receives it immediately; a bot
// peer replies to the sender after a random delay.
func (r *Relay) Text(ctx context.Context, senderID, text string) error {
	if err := protocol.ValidateText(text); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidText, err)
	}
	if r.screener != nil {
		if res := r.screener.Check(text); res.Blocked {
			metrics.TextBlockedTotal.WithLabelValues(res.Reason).Inc()
			return &BlockedError{Reason: moderation.Describe(res)}
		}
	}
	sess, peerID, err := r.resolve(ctx, senderID)
	if err != nil {
		return err
	}

	if !sess.IsBotPeer(peerID) {
		r.deliver(peerID, protocol.TypeTextMessage, protocol.TextMsg{
			Text:      text,
			Timestamp: r.now().UnixMilli(),
		})
		return nil
	}

	metrics.MessagesTotal.WithLabelValues(protocol.TypeTextMessage).Inc()
	r.pending.Add(1)
	go r.botReply(sess.ID, senderID, text)
	return nil
}

// Wait blocks until every scheduled bot reply has been delivered or dropped.
func (r *Relay) Wait() {
	r.pending.Wait()
}

func (r *Relay) resolve(ctx context.Context, senderID string) (*session.Session, string, error) {
	sess, err := r.sessions.GetSessionByUser(ctx, senderID)
	if err != nil {
		return nil, "", fmt.Errorf("relay: lookup session: %w", err)
	}
	if sess == nil {
		return nil, "", ErrNoSession
	}
	peerID, ok := sess.Partner(senderID)
	if !ok {
		return nil, "", ErrNoSession
	}
	return sess, peerID, nil
}

func (r *Relay) deliver(peerID, event string, payload interface{}) {
	if !r.transport.Send(peerID, event, payload) {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.MessagesTotal.WithLabelValues(event).Inc()
}

func (r *Relay) botReply(sessionID, userID, text string) {
	defer r.pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), botReplyTimeout)
	defer cancel()

	reply, err := r.responder.GenerateReply(ctx, sessionID, text)
	if err != nil {
		log.Printf("[relay] bot reply for session %s: %v", sessionID, err)
		reply = bot.FallbackReply
	}

	time.Sleep(r.replyDelay())

	// The user may have ended the session while the bot was "typing".
	sess, err := r.sessions.GetSessionByUser(ctx, userID)
	if err != nil || sess == nil || sess.ID != sessionID {
		return
	}
	r.deliver(userID, protocol.TypeTextMessage, protocol.TextMsg{
		Text:      reply,
		Timestamp: r.now().UnixMilli(),
		From:      FromBot,
	})
}

func (r *Relay) replyDelay() time.Duration {
	span := r.maxDelay - r.minDelay
	if span <= 0 {
		return r.minDelay
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay + time.Duration(r.rng.Int63n(int64(span)+1))
}
