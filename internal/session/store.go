package session

import "context"

// Store persists session records and the user->session index. Every method
// is safe for concurrent use.
type Store interface {
	// Create writes the record and the index entries for its participants.
	Create(ctx context.Context, s *Session) error

	// Get returns the session, or nil when it does not exist.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// GetByUser returns the user's active session, or nil.
	GetByUser(ctx context.Context, userID string) (*Session, error)

	// Delete atomically removes the record and every index entry that still
	// points at it. It reports whether the record existed.
	Delete(ctx context.Context, s *Session) (bool, error)

	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)
}
