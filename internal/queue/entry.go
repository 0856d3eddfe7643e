// Package queue holds users waiting to be paired. Entries carry the user's
// own category, the category they want to meet, their detected region and
// their preferred peer region. Two interchangeable backends are provided: an
// in-process map for single-instance deployments and a Redis layout shared by
// every server and matcher process.
package queue

import (
	"context"
	"time"

	"github.com/anonmeet/meet-server/internal/region"
)

// DefaultTTL bounds how long an abandoned entry may linger.
const DefaultTTL = 5 * time.Minute

// Category is the user's own declared category.
type Category string

const (
	Male   Category = "male"
	Female Category = "female"
	Couple Category = "couple"
)

// Filter is the category a user wants to be matched with. FilterAny accepts
// every category.
type Filter string

const FilterAny Filter = "any"

// ValidCategory reports whether c is one of the declared categories.
func ValidCategory(c Category) bool {
	switch c {
	case Male, Female, Couple:
		return true
	}
	return false
}

// ValidFilter reports whether f is a category or FilterAny.
func ValidFilter(f Filter) bool {
	return f == FilterAny || ValidCategory(Category(f))
}

// Accepts reports whether f is satisfied by category c.
func (f Filter) Accepts(c Category) bool {
	return f == FilterAny || Category(f) == c
}

// Entry is a single waiting user.
type Entry struct {
	UserID       string        `json:"userId"`
	Category     Category      `json:"category"`
	Filter       Filter        `json:"filter"`
	Region       region.Region `json:"region"`
	RegionFilter region.Region `json:"regionFilter"`
	JoinedAt     time.Time     `json:"joinedAt"`
	OfferedBot   bool          `json:"offeredBot"`
}

// Wait returns how long the entry has been queued as of now.
func (e Entry) Wait(now time.Time) time.Duration {
	if now.Before(e.JoinedAt) {
		return 0
	}
	return now.Sub(e.JoinedAt)
}

// Stats summarises the queue contents.
type Stats struct {
	Total      int                   `json:"total"`
	ByRegion   map[region.Region]int `json:"byRegion"`
	ByCategory map[Category]int      `json:"byCategory"`
}

// indexedStats totals the queue from the full list and reads the region
// counts off the per-region buckets.
func indexedStats(ctx context.Context,
	listAll func(context.Context) ([]Entry, error),
	listRegion func(context.Context, region.Region) ([]Entry, error),
) (Stats, error) {
	entries, err := listAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Total:      len(entries),
		ByRegion:   make(map[region.Region]int),
		ByCategory: make(map[Category]int),
	}
	for _, e := range entries {
		s.ByCategory[e.Category]++
	}
	for _, r := range append(region.All(), region.Any) {
		bucket, err := listRegion(ctx, r)
		if err != nil {
			return Stats{}, err
		}
		if len(bucket) > 0 {
			s.ByRegion[r] = len(bucket)
		}
	}
	return s, nil
}
