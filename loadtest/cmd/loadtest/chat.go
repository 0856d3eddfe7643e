package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anonmeet/meet-server/loadtest/client"
	"github.com/anonmeet/meet-server/loadtest/stats"
)

// runChat runs the full session lifecycle: connect, match, exchange text
// messages for a while, then end the session from the initiator's side.
// Text latency is measured end to end by embedding the send time in each
// message.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for matches")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, total, *url, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	defer scraper.Stop()

	fmt.Println("\n--- Connect phase ---")
	clients := rampUp(ctx, rampConfig{url: *url, count: total, duration: *ramp, concurrency: *concurrency}, collector)
	defer closeAll(clients)

	var (
		sent, received, ended atomic.Int64
		matchWG               sync.WaitGroup
		botOffers             atomic.Int64
	)
	users := make([]*chatUser, len(clients))
	for i, c := range clients {
		u := &chatUser{c: c}
		users[i] = u
		c.On(client.TypeTextMessage, func(raw json.RawMessage) {
			var t client.Text
			if json.Unmarshal(raw, &t) != nil {
				return
			}
			received.Add(1)
			if d, ok := sendTime(t.Text); ok {
				collector.Observe(stats.SeriesText, time.Since(d))
			}
		})
		c.On(client.TypePeerDisconnected, func(json.RawMessage) { ended.Add(1) })
		c.On(client.TypeSessionEnded, func(json.RawMessage) { ended.Add(1) })
	}

	fmt.Println("\n--- Match phase ---")
	for i, u := range users {
		matchWG.Add(1)
		u.queue(categories[i%len(categories)], collector, &matchWG, &botOffers)
	}
	waitTimeout(ctx, &matchWG, *matchTimeout)

	fmt.Println("\n--- Chat phase ---")
	chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
	defer cancel()
	padding := loremPadding(max(*msgSize-20, 0))

	var chatWG sync.WaitGroup
	for _, u := range users {
		if !u.isMatched() {
			continue
		}
		chatWG.Add(1)
		go func(u *chatUser) {
			defer chatWG.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					text := strconv.FormatInt(time.Now().UnixNano(), 10) + "|" + padding
					if err := u.c.Send(client.TypeTextMessage, map[string]interface{}{"text": text}); err != nil {
						collector.AddError()
						return
					}
					sent.Add(1)
				}
			}
		}(u)
	}
	chatWG.Wait()

	fmt.Println("\n--- End phase ---")
	for _, u := range users {
		if matched, initiator := u.state(); matched && initiator {
			if err := u.c.Send(client.TypeEndSession, nil); err != nil {
				collector.AddError()
			}
		}
	}
	// Give the end notifications a moment to arrive.
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}

	fmt.Printf("  matched: %d/%d  bot offers: %d\n", collector.Count(stats.SeriesMatch), len(clients), botOffers.Load())
	fmt.Printf("  text sent: %d  received: %d\n", sent.Load(), received.Load())
	fmt.Printf("  end notifications: %d\n", ended.Load())
	collector.Report()
}

type chatUser struct {
	c *client.Client

	mu        sync.Mutex
	sessionID string
	initiator bool
}

func (u *chatUser) isMatched() bool {
	matched, _ := u.state()
	return matched
}

func (u *chatUser) state() (matched, initiator bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID != "", u.initiator
}

// queue sends start-matching and keeps the session id and initiator flag
// from the matched event.
func (u *chatUser) queue(category string, collector *stats.Collector, done *sync.WaitGroup, botOffers *atomic.Int64) {
	queueForMatch(u.c, category, "any", collector, done, botOffers, func(m client.Matched) {
		u.mu.Lock()
		u.sessionID = m.SessionID
		u.initiator = m.Initiator
		u.mu.Unlock()
	})
}

// loremPadding returns n bytes of word-like filler that passes the server's
// flood checks.
func loremPadding(n int) string {
	words := []string{"lorem", "ipsum", "dolor", "sit", "amet", "consectetur", "adipiscing", "elit"}
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		b.WriteString(words[i%len(words)])
		b.WriteByte(' ')
	}
	return b.String()[:n]
}

// sendTime extracts the embedded send time from a load test message.
func sendTime(text string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(text, "|")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
