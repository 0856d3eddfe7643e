package matching

import (
	"time"

	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/region"
)

// Scoring weights.
const (
	baseScore         = 100
	regionPrefBonus   = 50 // per side whose region preference is satisfied
	sameRegionBonus   = 30
	distancePenalty   = 2  // per unit of region.Distance
	waitBonusStepSecs = 5
	maxWaitBonus      = 20
)

// Match is a pair selected by FindBestPair.
type Match struct {
	A     queue.Entry
	B     queue.Entry
	Score int
}

// Compatible reports whether each side's category filter accepts the other's
// category. The relation is symmetric.
func Compatible(a, b queue.Entry) bool {
	return b.Filter.Accepts(a.Category) && a.Filter.Accepts(b.Category)
}

// Score ranks a compatible pair; higher is better. Callers must gate on
// Compatible first: incompatible pairs are never scored.
func Score(a, b queue.Entry, now time.Time) int {
	score := baseScore
	if a.RegionFilter == region.Any || a.RegionFilter == b.Region {
		score += regionPrefBonus
	}
	if b.RegionFilter == region.Any || b.RegionFilter == a.Region {
		score += regionPrefBonus
	}
	if a.Region == b.Region {
		score += sameRegionBonus
	}
	score -= distancePenalty * region.Distance(a.Region, b.Region)
	return score + WaitBonus(a, b, now)
}

// WaitBonus is floor(average wait in seconds / 5), capped at 20. It is
// non-decreasing in wait time and never negative.
func WaitBonus(a, b queue.Entry, now time.Time) int {
	totalMs := a.Wait(now).Milliseconds() + b.Wait(now).Milliseconds()
	avgSecs := totalMs / 2 / 1000
	bonus := int(avgSecs / waitBonusStepSecs)
	if bonus > maxWaitBonus {
		return maxWaitBonus
	}
	return bonus
}

// FindBestPair scans every unordered pair of entries and returns the
// compatible pair with the highest score. Equal scores go to the pair with
// the lowest combined join time, then the lexicographically smaller user
// ids, so the result never depends on the order of entries.
//
// The scan is O(n²) in the number of waiting users. That is fine for queues
// of tens to low hundreds; larger deployments would pre-bucket by category
// before the pairwise pass. The queue is never mutated here.
func FindBestPair(entries []queue.Entry, now time.Time) (*Match, bool) {
	if len(entries) < 2 {
		return nil, false
	}

	var best *Match
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := entries[i], entries[j]
			if a.UserID == b.UserID || !Compatible(a, b) {
				continue
			}
			if a.UserID > b.UserID {
				a, b = b, a
			}
			cand := &Match{A: a, B: b, Score: Score(a, b, now)}
			if best == nil || better(cand, best) {
				best = cand
			}
		}
	}
	return best, best != nil
}

func better(c, best *Match) bool {
	if c.Score != best.Score {
		return c.Score > best.Score
	}
	cj := c.A.JoinedAt.UnixMilli() + c.B.JoinedAt.UnixMilli()
	bj := best.A.JoinedAt.UnixMilli() + best.B.JoinedAt.UnixMilli()
	if cj != bj {
		return cj < bj
	}
	if c.A.UserID != best.A.UserID {
		return c.A.UserID < best.A.UserID
	}
	return c.B.UserID < best.B.UserID
}
