package link

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Service creates, resolves and consumes invite links.
type Service struct {
	store   Store
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

// NewService creates a link service. A non-positive ttl falls back to
// DefaultTTL; baseURL prefixes the shareable URL.
func NewService(store Store, ttl time.Duration, baseURL string) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:   store,
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Create issues a new link owned by creatorID.
func (s *Service) Create(ctx context.Context, creatorID string, reusable bool) (*Link, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("link: create: creator is required")
	}
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	l := &Link{
		ID:        id,
		CreatorID: creatorID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Reusable:  reusable,
	}
	if err := s.store.Save(ctx, l); err != nil {
		return nil, err
	}
	log.Printf("[link] created %s (creator %s, reusable=%t)", l.ID, creatorID, reusable)
	return l, nil
}

// Get returns a joinable link, or nil when it is unknown, expired, or a
// single-use link that was already consumed. Expired links are invalidated.
func (s *Service) Get(ctx context.Context, linkID string) (*Link, error) {
	l, err := s.store.Get(ctx, linkID)
	if err != nil || l == nil {
		return nil, err
	}
	now := s.now()
	if l.Expired(now) {
		if err := s.store.Delete(ctx, linkID); err != nil {
			log.Printf("[link] invalidate expired %s: %v", linkID, err)
		}
		return nil, nil
	}
	if !l.Usable(now) {
		return nil, nil
	}
	return l, nil
}

// Join consumes the link on behalf of a joiner. Single-use links flip to
// used exactly once; any later Join returns ErrLinkUsed. Reusable links are
// returned unchanged.
func (s *Service) Join(ctx context.Context, linkID string) (*Link, error) {
	l, err := s.store.Get(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Expired(s.now()) {
		return nil, ErrLinkNotFound
	}
	if l.Reusable {
		return l, nil
	}
	if err := s.store.MarkUsed(ctx, linkID); err != nil {
		return nil, err
	}
	l.Used = true
	log.Printf("[link] %s consumed", linkID)
	return l, nil
}

// Release undoes a Join whose session could not be set up, so a single-use
// invite is not burned by a server-side failure.
func (s *Service) Release(ctx context.Context, linkID string) error {
	if err := s.store.ClearUsed(ctx, linkID); err != nil {
		return err
	}
	log.Printf("[link] %s released", linkID)
	return nil
}

// Invalidate deletes the link.
func (s *Service) Invalidate(ctx context.Context, linkID string) error {
	if err := s.store.Delete(ctx, linkID); err != nil {
		return err
	}
	log.Printf("[link] %s invalidated", linkID)
	return nil
}

// Extend pushes the expiry of a live link out by d.
func (s *Service) Extend(ctx context.Context, linkID string, d time.Duration) (*Link, error) {
	if d <= 0 {
		return nil, fmt.Errorf("link: extend: duration must be positive")
	}
	l, err := s.Get(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLinkNotFound
	}
	l.ExpiresAt = l.ExpiresAt.Add(d)
	ok, err := s.store.SetExpiry(ctx, linkID, l.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLinkNotFound
	}
	return l, nil
}

// ListByCreator returns the creator's live links.
func (s *Service) ListByCreator(ctx context.Context, creatorID string) ([]*Link, error) {
	return s.store.ListByCreator(ctx, creatorID)
}

// URL builds the shareable URL for linkID.
func (s *Service) URL(linkID string) string {
	return s.baseURL + "/join/" + linkID
}
