package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/anonmeet/meet-server/loadtest/client"
	"github.com/anonmeet/meet-server/loadtest/stats"
)

// runSaturate opens N idle connections, holds them and counts how many the
// server drops during the hold. Idle clients keep answering heartbeats
// because gobwas/wsutil handles control frames on read.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	clients := rampUp(ctx, rampConfig{url: *url, count: *connections, duration: *ramp, concurrency: *concurrency}, collector)
	fmt.Printf("  %d/%d connections open\n", len(clients), *connections)

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		select {
		case <-ctx.Done():
		case <-time.After(*hold):
		}
	}

	dropped := countClosed(clients)
	fmt.Printf("  dropped during hold: %d\n", dropped)

	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

func countClosed(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			n++
		default:
		}
	}
	return n
}
