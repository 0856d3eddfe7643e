// Package bot provides the automated stand-in offered to users who wait too
// long for a human match: a reply generator with per-session memory and the
// one-shot timer that decides when to offer it.
package bot

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// FallbackReply is delivered whenever reply generation fails.
const FallbackReply = "Sorry, I had a little problem. Could you repeat that?"

// Responder generates the bot's reply to a user message.
type Responder interface {
	GenerateReply(ctx context.Context, sessionID, text string) (string, error)
	// Forget drops any state held for the session.
	Forget(sessionID string)
}

var genericReplies = []string{
	"That's interesting! Tell me more.",
	"I see. What else is on your mind?",
	"Haha, that's fun. Do you have a favourite hobby?",
	"Got it. What do you like to do in your free time?",
	"Nice! Where are you chatting from today?",
	"That sounds good. Anything else you'd like to share?",
}

// MockResponder answers with canned keyword replies and remembers the last
// MaxHistory turns of each conversation.
type MockResponder struct {
	history *History

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockResponder creates a keyword-driven responder.
func NewMockResponder() *MockResponder {
	return &MockResponder{
		history: NewHistory(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GenerateReply implements Responder.
func (m *MockResponder) GenerateReply(ctx context.Context, sessionID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.history.Add(sessionID, Turn{Text: text, Ts: time.Now().UnixMilli()})
	reply := m.pick(text)
	m.history.Add(sessionID, Turn{FromBot: true, Text: reply, Ts: time.Now().UnixMilli()})
	return reply, nil
}

// Forget implements Responder.
func (m *MockResponder) Forget(sessionID string) {
	m.history.Remove(sessionID)
}

// Conversation returns the remembered turns for a session.
func (m *MockResponder) Conversation(sessionID string) []Turn {
	return m.history.Get(sessionID)
}

func (m *MockResponder) pick(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "hello", "hi ", "hey", "hola") || lower == "hi":
		return "Hi! How are you? Nice to meet you."
	case containsAny(lower, "how are you", "how's it going"):
		return "I'm doing great, thanks for asking! How about you?"
	case containsAny(lower, "bye", "goodbye", "see you"):
		return "It was a pleasure chatting with you. Have a great day!"
	case containsAny(lower, "name"):
		return "I'm a friendly bot here to keep you company. What's your name?"
	case strings.Contains(lower, "?"):
		return "That's a good question. Let me think... " + m.generic()
	}
	return m.generic()
}

func (m *MockResponder) generic() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return genericReplies[m.rng.Intn(len(genericReplies))]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
