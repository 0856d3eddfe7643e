// Package matching pairs waiting users. The engine scores every compatible
// pair in the queue; the Service runs it on a fixed interval and whenever a
// new user is queued, handing each selected pair to a Finalizer before the
// pair leaves the queue.
package matching

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/anonmeet/meet-server/internal/metrics"
	"github.com/anonmeet/meet-server/internal/queue"
)

const (
	// DefaultInterval is how often the periodic matching cycle runs.
	DefaultInterval = 2 * time.Second

	// maxMatchesPerCycle bounds how many pairs one cycle may finalize.
	maxMatchesPerCycle = 64
)

// Finalizer turns a selected pair into a session. The pair is removed from
// the queue only after FinalizeMatch succeeds, so a failure leaves both users
// queued for the next cycle.
type Finalizer interface {
	FinalizeMatch(ctx context.Context, m Match) error
}

// sweeper is implemented by stores that expire entries lazily.
type sweeper interface {
	Sweep() int
}

// Service is the background matching cycle.
type Service struct {
	queue     queue.Store
	finalizer Finalizer
	interval  time.Duration
	now       func() time.Time

	// mu serializes cycles within the process so a ticker run and a
	// triggered run never select the same pair.
	mu      sync.Mutex
	trigger chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewService creates a matching service. A non-positive interval falls back
// to DefaultInterval.
func NewService(q queue.Store, f Finalizer, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queue:     q,
		finalizer: f,
		interval:  interval,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the matching loop.
func (s *Service) Start() {
	s.started = true
	go s.matchLoop()
	log.Printf("[matching] service started (interval %s)", s.interval)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Service) Stop() {
	s.cancel()
	if s.started {
		<-s.done
	}
	log.Println("[matching] service stopped")
}

// Trigger requests an immediate cycle. Requests made while one is pending
// are coalesced; Trigger never blocks.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) matchLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if sw, ok := s.queue.(sweeper); ok {
				if n := sw.Sweep(); n > 0 {
					log.Printf("[matching] swept %d expired queue entries", n)
				}
			}
		case <-s.trigger:
		}
		if _, err := s.RunOnce(s.ctx); err != nil && s.ctx.Err() == nil {
			log.Printf("[matching] cycle failed: %v", err)
		}
	}
}

// RunOnce runs a single matching cycle and returns how many pairs were
// finalized. Store errors abort the cycle; the next tick retries.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := 0
	for attempt := 0; attempt < maxMatchesPerCycle; attempt++ {
		entries, err := s.queue.ListAll(ctx)
		if err != nil {
			return matched, err
		}
		if attempt == 0 {
			metrics.QueueSize.Set(float64(len(entries)))
		}

		now := s.now()
		m, ok := FindBestPair(entries, now)
		if !ok {
			return matched, nil
		}

		// Re-validate: a cancel or disconnect may have raced the listing.
		fresh, err := s.revalidate(ctx, m, now)
		if err != nil {
			return matched, err
		}
		if fresh == nil {
			continue
		}

		if err := s.finalizer.FinalizeMatch(ctx, *fresh); err != nil {
			log.Printf("[matching] finalize %s <-> %s: %v", fresh.A.UserID, fresh.B.UserID, err)
			return matched, nil
		}

		// Entries that vanished since re-validation are a benign no-op.
		if err := s.queue.Remove(ctx, fresh.A.UserID); err != nil {
			log.Printf("[matching] remove %s: %v", fresh.A.UserID, err)
		}
		if err := s.queue.Remove(ctx, fresh.B.UserID); err != nil {
			log.Printf("[matching] remove %s: %v", fresh.B.UserID, err)
		}

		matched++
		observeMatch(*fresh, now)
		log.Printf("[matching] matched %s <-> %s (score %d)", fresh.A.UserID, fresh.B.UserID, fresh.Score)
	}
	return matched, nil
}

// revalidate re-reads both sides of m. It returns nil when either side left
// the queue or changed preferences so the pair is no longer compatible.
func (s *Service) revalidate(ctx context.Context, m *Match, now time.Time) (*Match, error) {
	a, err := s.queue.Get(ctx, m.A.UserID)
	if err != nil {
		return nil, err
	}
	b, err := s.queue.Get(ctx, m.B.UserID)
	if err != nil {
		return nil, err
	}
	if a == nil || b == nil {
		log.Printf("[matching] pair %s <-> %s vanished before finalize", m.A.UserID, m.B.UserID)
		return nil, nil
	}
	if !Compatible(*a, *b) {
		return nil, nil
	}
	return &Match{A: *a, B: *b, Score: Score(*a, *b, now)}, nil
}

func observeMatch(m Match, now time.Time) {
	wait := m.A.Wait(now)
	if w := m.B.Wait(now); w > wait {
		wait = w
	}
	metrics.MatchesTotal.Inc()
	metrics.MatchScore.Observe(float64(m.Score))
	metrics.MatchWait.Observe(wait.Seconds())
}
