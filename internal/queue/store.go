package queue

import "context"

// Store is the waiting-queue contract shared by the memory and Redis backends.
// Every method is safe for concurrent use.
type Store interface {
	// Add upserts the entry, resets its TTL and indexes it under its region
	// and the global index.
	Add(ctx context.Context, e Entry) error

	// Remove deletes the user from every index. Absent users are a no-op.
	Remove(ctx context.Context, userID string) error

	// ListAll returns all non-expired entries, oldest first.
	ListAll(ctx context.Context) ([]Entry, error)

	// Get returns the user's entry, or nil when the user is not queued.
	Get(ctx context.Context, userID string) (*Entry, error)

	// MarkOfferedBot sets OfferedBot on a queued user whose flag is still
	// false, reporting whether this call flipped it.
	MarkOfferedBot(ctx context.Context, userID string) (bool, error)

	// Stats returns totals by region and category.
	Stats(ctx context.Context) (Stats, error)
}
