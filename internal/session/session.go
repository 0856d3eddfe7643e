// Package session tracks the pairing between two matched participants from
// creation until one side ends it. Records are keyed by session id and
// indexed by each participant, with a bounded TTL as a backstop against
// orphaned records.
package session

import (
	"strings"
	"time"

	"github.com/anonmeet/meet-server/internal/region"
)

const (
	// DefaultTTL bounds the lifetime of a session record.
	DefaultTTL = 1 * time.Hour

	// BotIDPrefix marks the synthetic id of an automated second participant.
	BotIDPrefix = "bot:"
)

// Session binds two participants.
type Session struct {
	ID          string        `json:"sessionId"`
	User1ID     string        `json:"user1Id"`
	User2ID     string        `json:"user2Id"`
	User1Region region.Region `json:"user1Region"`
	User2Region region.Region `json:"user2Region"`
	IsUser2Bot  bool          `json:"isUser2Bot"`
	CreatedAt   time.Time     `json:"createdAt"`
	LinkID      string        `json:"linkId,omitempty"`
}

// Partner returns the other participant's id.
func (s *Session) Partner(userID string) (string, bool) {
	switch userID {
	case s.User1ID:
		return s.User2ID, true
	case s.User2ID:
		return s.User1ID, true
	}
	return "", false
}

// IsParticipant checks if userID is part of this session.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.User1ID || userID == s.User2ID
}

// IsBotPeer reports whether peerID is the automated participant.
func (s *Session) IsBotPeer(peerID string) bool {
	return s.IsUser2Bot && peerID == s.User2ID
}

// indexedUsers returns the participants that get a user->session index
// entry. A bot peer is never indexed.
func (s *Session) indexedUsers() []string {
	if s.IsUser2Bot || s.User2ID == "" {
		return []string{s.User1ID}
	}
	return []string{s.User1ID, s.User2ID}
}

// IsBotID reports whether id was allocated for an automated participant.
func IsBotID(id string) bool {
	return strings.HasPrefix(id, BotIDPrefix)
}
