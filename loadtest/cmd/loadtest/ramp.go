package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anonmeet/meet-server/loadtest/client"
	"github.com/anonmeet/meet-server/loadtest/stats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	count       int
	duration    time.Duration
	concurrency int
}

// rampUp opens cfg.count connections spread evenly over cfg.duration, with at
// most cfg.concurrency dials in flight. Each client has received its
// connected greeting before it is returned. Failed dials are recorded on the
// collector and omitted from the result.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector) []*client.Client {
	interval := cfg.duration / time.Duration(max(cfg.count, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, max(cfg.concurrency, 1))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		clients = make([]*client.Client, 0, cfg.count)
	)

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connected=%d errors=%d\n", collector.ConnectionCount(), collector.ErrorCount())
			case <-progressDone:
				return
			}
		}
	}()

launch:
	for i := 0; i < cfg.count; i++ {
		select {
		case <-ctx.Done():
			break launch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(dialCtx, cfg.url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForGreeting(dialCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().GreetingLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()

		select {
		case <-ctx.Done():
			break launch
		case <-time.After(interval):
		}
	}

	wg.Wait()
	close(progressDone)
	return clients
}

// closeAll closes every client.
func closeAll(clients []*client.Client) {
	for _, c := range clients {
		c.Close()
	}
}
