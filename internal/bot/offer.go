package bot

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/anonmeet/meet-server/internal/metrics"
	"github.com/anonmeet/meet-server/internal/queue"
)

// DefaultOfferDelay is how long a user waits before a bot is offered.
const DefaultOfferDelay = 10 * time.Second

// offerCheckTimeout bounds the queue lookup made when a timer fires.
const offerCheckTimeout = 5 * time.Second

// OfferTimer runs one single-shot timer per queued user. When a timer fires
// and the user is still queued without a previous offer, the entry is flagged
// and onOffer is called. The offer is advisory: human matching continues in
// parallel and wins if it finalizes first.
type OfferTimer struct {
	queue   queue.Store
	delay   time.Duration
	onOffer func(userID string)

	mu     sync.Mutex
	timers map[string]*pendingOffer
	seq    uint64
}

type pendingOffer struct {
	timer *time.Timer
	id    uint64
}

// NewOfferTimer creates a timer set. A non-positive delay falls back to
// DefaultOfferDelay.
func NewOfferTimer(q queue.Store, delay time.Duration, onOffer func(userID string)) *OfferTimer {
	if delay <= 0 {
		delay = DefaultOfferDelay
	}
	return &OfferTimer{
		queue:   q,
		delay:   delay,
		onOffer: onOffer,
		timers:  make(map[string]*pendingOffer),
	}
}

// Schedule starts the user's timer, replacing any pending one.
func (o *OfferTimer) Schedule(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.timers[userID]; ok {
		p.timer.Stop()
	}
	o.seq++
	id := o.seq
	o.timers[userID] = &pendingOffer{
		id:    id,
		timer: time.AfterFunc(o.delay, func() { o.fire(userID, id) }),
	}
}

// Cancel stops the user's pending timer, if any.
func (o *OfferTimer) Cancel(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.timers[userID]; ok {
		p.timer.Stop()
		delete(o.timers, userID)
	}
}

// Pending returns the number of armed timers.
func (o *OfferTimer) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

// Stop cancels every pending timer.
func (o *OfferTimer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for uid, p := range o.timers {
		p.timer.Stop()
		delete(o.timers, uid)
	}
}

func (o *OfferTimer) fire(userID string, id uint64) {
	o.mu.Lock()
	p, ok := o.timers[userID]
	if !ok || p.id != id {
		// Cancelled or rescheduled after this timer was already running.
		o.mu.Unlock()
		return
	}
	delete(o.timers, userID)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), offerCheckTimeout)
	defer cancel()

	flipped, err := o.queue.MarkOfferedBot(ctx, userID)
	if err != nil {
		log.Printf("[bot] offer check for %s: %v", userID, err)
		return
	}
	if !flipped {
		return
	}
	metrics.BotOffersTotal.Inc()
	log.Printf("[bot] offering bot to %s after %s", userID, o.delay)
	o.onOffer(userID)
}
