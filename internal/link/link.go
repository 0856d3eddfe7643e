// Package link issues shareable invite links. A link lets one specific
// person join its creator directly, skipping the waiting queue. Single-use
// links flip to used exactly once; reusable links never do.
package link

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is how long a new link stays valid.
const DefaultTTL = 24 * time.Hour

// idBytes is the amount of randomness in a link id.
const idBytes = 12

var (
	// ErrLinkNotFound is returned for unknown, expired or invalidated links.
	ErrLinkNotFound = errors.New("link: not found or expired")

	// ErrLinkUsed is returned when a single-use link was already consumed.
	ErrLinkUsed = errors.New("link: already used")
)

// Link is a shareable invite.
type Link struct {
	ID        string    `json:"linkId"`
	CreatorID string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Reusable  bool      `json:"reusable"`
	Used      bool      `json:"used"`
}

// Expired reports whether the link is past its expiry at now.
func (l *Link) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Usable reports whether the link can still be joined at now.
func (l *Link) Usable(now time.Time) bool {
	return !l.Expired(now) && (l.Reusable || !l.Used)
}

// NewID returns a URL-safe random link id.
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("link: generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
