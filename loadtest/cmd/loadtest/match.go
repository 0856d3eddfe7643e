package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anonmeet/meet-server/loadtest/client"
	"github.com/anonmeet/meet-server/loadtest/stats"
)

var categories = []string{"male", "female", "couple"}

// runMatch connects N users, queues them all with an "any" filter and
// measures the time from start-matching to matched.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 200, "Number of users to queue")
	ramp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	regionFilter := fs.String("region-filter", "any", "Region filter sent with start-matching")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for matches")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Match test: %d users to %s (ramp=%s, region-filter=%s)\n", *users, *url, *ramp, *regionFilter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	defer scraper.Stop()

	fmt.Println("\n--- Connect phase ---")
	clients := rampUp(ctx, rampConfig{url: *url, count: *users, duration: *ramp, concurrency: *concurrency}, collector)
	defer closeAll(clients)

	fmt.Println("\n--- Match phase ---")
	var (
		matched   sync.WaitGroup
		botOffers atomic.Int64
	)
	for i, c := range clients {
		matched.Add(1)
		queueForMatch(c, categories[i%len(categories)], *regionFilter, collector, &matched, &botOffers, nil)
	}

	waitTimeout(ctx, &matched, *matchTimeout)

	fmt.Printf("  matched: %d/%d  bot offers: %d\n",
		collector.Count(stats.SeriesMatch), len(clients), botOffers.Load())
	collector.Report()
}

// queueForMatch sends start-matching and records the latency of the matched
// event. done is released exactly once, on the first matched event or on an
// error response. onMatched, if set, sees every matched event.
func queueForMatch(c *client.Client, category, regionFilter string, collector *stats.Collector, done *sync.WaitGroup, botOffers *atomic.Int64, onMatched func(client.Matched)) {
	var once sync.Once
	release := func() { once.Do(done.Done) }
	start := time.Now()

	c.On(client.TypeMatched, func(raw json.RawMessage) {
		var m client.Matched
		if err := json.Unmarshal(raw, &m); err != nil || m.SessionID == "" {
			collector.AddError()
			release()
			return
		}
		if onMatched != nil {
			onMatched(m)
		}
		once.Do(func() {
			collector.Observe(stats.SeriesMatch, time.Since(start))
			done.Done()
		})
	})
	c.On(client.TypeBotAvailable, func(json.RawMessage) {
		botOffers.Add(1)
	})
	c.On(client.TypeError, func(json.RawMessage) {
		collector.AddError()
		release()
	})

	err := c.Send(client.TypeStartMatching, map[string]interface{}{
		"category":     category,
		"filter":       "any",
		"regionFilter": regionFilter,
	})
	if err != nil {
		collector.AddError()
		release()
	}
}

// waitTimeout waits for wg, giving up after d or when ctx is cancelled.
func waitTimeout(ctx context.Context, wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(d):
		fmt.Println("  timed out waiting for matches")
	}
}
