// Package main implements a standalone end-to-end check of a running meet
// server: health and metrics endpoints, the WebSocket greeting, random
// matching, text relay, ending a session, shareable links and rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anonmeet/meet-server/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// e2eRegion keeps these clients away from other traffic on a shared server.
const e2eRegion = "oceania"

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Meet E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	url := *wsURL + "?region=" + e2eRegion

	var results []scenarioResult
	results = append(results, scenarioHealth(ctx, *apiBase))
	results = append(results, scenarioGreeting(ctx, url))
	s3, s4, s5 := scenarioMatchTextEnd(ctx, url)
	results = append(results, s3, s4, s5)
	results = append(results, scenarioLink(ctx, url, *apiBase))
	results = append(results, scenarioRateLimit(ctx, url))

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health
// ---------------------------------------------------------------------------

func scenarioHealth(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health and Metrics"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var health struct {
		Status   string `json:"status"`
		Instance string `json:"instance"`
	}
	if err := json.Unmarshal(body, &health); err != nil || health.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health body: %s", body)}
	}

	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "meet_connections_active") {
		return scenarioResult{name, resultFail, "/metrics: missing meet_connections_active"}
	}

	if _, err := httpGetBody(ctx, apiBase+"/api/queue/stats"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/queue/stats: %v", err)}
	}

	return scenarioResult{name, resultPass, "instance=" + health.Instance}
}

// ---------------------------------------------------------------------------
// Scenario 2: Greeting
// ---------------------------------------------------------------------------

func scenarioGreeting(ctx context.Context, url string) scenarioResult {
	name := "Scenario 2: Connect and Greeting"

	c, err := dial(ctx, url, nil)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()

	// region-detected follows the connected greeting.
	deadline := time.Now().Add(5 * time.Second)
	for c.Region() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Region() != e2eRegion {
		return scenarioResult{name, resultFail, fmt.Sprintf("region=%q, want %q", c.Region(), e2eRegion)}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("user=%s region=%s", truncateID(c.UserID()), c.Region())}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Matching, Text, End Session
// ---------------------------------------------------------------------------

func scenarioMatchTextEnd(ctx context.Context, url string) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Random Matching"
	s4Name := "Scenario 4: Text Relay"
	s5Name := "Scenario 5: End Session"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: matching failed"},
			scenarioResult{s5Name, resultFail, "skipped: matching failed"}
	}

	a, b, matchA, matchB, err := matchedPair(ctx, url)
	if err != nil {
		return failAll(err.Error())
	}
	defer a.Close()
	defer b.Close()

	var s3 scenarioResult
	switch {
	case matchA.SessionID != matchB.SessionID:
		s3 = scenarioResult{s3Name, resultFail, "session ids differ"}
	case matchA.PeerID != b.UserID() || matchB.PeerID != a.UserID():
		s3 = scenarioResult{s3Name, resultFail, "peer ids do not cross-reference"}
	case matchA.Initiator == matchB.Initiator:
		s3 = scenarioResult{s3Name, resultFail, "exactly one side must be initiator"}
	default:
		s3 = scenarioResult{s3Name, resultPass, "session=" + truncateID(matchA.SessionID)}
	}

	// Text relay.
	textCh := make(chan client.Text, 1)
	b.On(client.TypeTextMessage, func(raw json.RawMessage) {
		var t client.Text
		if json.Unmarshal(raw, &t) == nil {
			select {
			case textCh <- t:
			default:
			}
		}
	})
	var s4 scenarioResult
	sent := time.Now()
	if err := a.Send(client.TypeTextMessage, map[string]interface{}{"text": "hello from e2e"}); err != nil {
		s4 = scenarioResult{s4Name, resultFail, err.Error()}
	} else {
		select {
		case t := <-textCh:
			if t.Text != "hello from e2e" {
				s4 = scenarioResult{s4Name, resultFail, fmt.Sprintf("got %q", t.Text)}
			} else {
				s4 = scenarioResult{s4Name, resultPass, fmt.Sprintf("latency=%s", time.Since(sent).Round(time.Microsecond))}
			}
		case <-time.After(5 * time.Second):
			s4 = scenarioResult{s4Name, resultFail, "timeout waiting for text-message"}
		case <-ctx.Done():
			s4 = scenarioResult{s4Name, resultFail, ctx.Err().Error()}
		}
	}

	// End session: the sender gets session-ended, the peer peer-disconnected.
	endedCh := make(chan struct{}, 1)
	peerCh := make(chan struct{}, 1)
	a.On(client.TypeSessionEnded, func(json.RawMessage) { signal(endedCh) })
	b.On(client.TypePeerDisconnected, func(json.RawMessage) { signal(peerCh) })
	if err := a.Send(client.TypeEndSession, nil); err != nil {
		return s3, s4, scenarioResult{s5Name, resultFail, err.Error()}
	}
	if err := await(ctx, endedCh, 5*time.Second); err != nil {
		return s3, s4, scenarioResult{s5Name, resultFail, "session-ended: " + err.Error()}
	}
	if err := await(ctx, peerCh, 5*time.Second); err != nil {
		return s3, s4, scenarioResult{s5Name, resultFail, "peer-disconnected: " + err.Error()}
	}
	return s3, s4, scenarioResult{s5Name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 6: Shareable link
// ---------------------------------------------------------------------------

func scenarioLink(ctx context.Context, url, apiBase string) scenarioResult {
	name := "Scenario 6: Shareable Link"

	type created struct {
		LinkID string `json:"linkId"`
		URL    string `json:"url"`
	}
	linkCh := make(chan created, 1)
	creatorMatched := make(chan struct{}, 1)
	creator, err := dial(ctx, url, func(c *client.Client) {
		c.On(client.TypeLinkCreated, func(raw json.RawMessage) {
			var l created
			if json.Unmarshal(raw, &l) == nil {
				linkCh <- l
			}
		})
		c.On(client.TypeMatched, func(json.RawMessage) { signal(creatorMatched) })
	})
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer creator.Close()

	if err := creator.Send(client.TypeCreateLink, nil); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	var l created
	select {
	case l = <-linkCh:
	case <-time.After(5 * time.Second):
		return scenarioResult{name, resultFail, "timeout waiting for link-created"}
	}

	if _, err := httpGetBody(ctx, apiBase+"/api/links/"+l.LinkID); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("GET link: %v", err)}
	}

	joinerMatched := make(chan struct{}, 1)
	joiner, err := dial(ctx, url, func(c *client.Client) {
		c.On(client.TypeMatched, func(json.RawMessage) { signal(joinerMatched) })
	})
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer joiner.Close()

	if err := joiner.Send(client.TypeJoinSession, map[string]interface{}{"linkId": l.LinkID}); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if err := await(ctx, joinerMatched, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, "joiner matched: " + err.Error()}
	}
	if err := await(ctx, creatorMatched, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, "creator matched: " + err.Error()}
	}
	return scenarioResult{name, resultPass, "url=" + l.URL}
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate limiting (optional)
// ---------------------------------------------------------------------------

func scenarioRateLimit(ctx context.Context, url string) scenarioResult {
	name := "Scenario 7: Rate Limiting (optional)"

	limited := make(chan struct{}, 1)
	c, err := dial(ctx, url, func(c *client.Client) {
		c.On(client.TypeError, func(raw json.RawMessage) {
			var e struct {
				Code string `json:"code"`
			}
			if json.Unmarshal(raw, &e) == nil && e.Code == "RATE_LIMITED" {
				signal(limited)
			}
		})
	})
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer c.Close()

	for i := 0; i < 20; i++ {
		c.Send(client.TypeStartMatching, map[string]interface{}{
			"category": "couple", "filter": "any", "regionFilter": e2eRegion,
		})
		c.Send(client.TypeCancelMatching, nil)
	}
	if err := await(ctx, limited, 3*time.Second); err != nil {
		return scenarioResult{name, resultInfo, "no RATE_LIMITED seen (limiter needs Redis)"}
	}
	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// dial connects and waits for the greeting. setup registers handlers before
// any event can be missed.
func dial(ctx context.Context, url string, setup func(*client.Client)) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if setup != nil {
		setup(c)
	}
	if err := c.WaitForGreeting(connCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}
	return c, nil
}

// matchedPair connects two clients and queues both until they are matched
// with each other.
func matchedPair(ctx context.Context, url string) (*client.Client, *client.Client, client.Matched, client.Matched, error) {
	var none client.Matched
	chA := make(chan client.Matched, 1)
	chB := make(chan client.Matched, 1)
	onMatched := func(ch chan client.Matched) func(*client.Client) {
		return func(c *client.Client) {
			c.On(client.TypeMatched, func(raw json.RawMessage) {
				var m client.Matched
				if json.Unmarshal(raw, &m) == nil {
					select {
					case ch <- m:
					default:
					}
				}
			})
		}
	}

	a, err := dial(ctx, url, onMatched(chA))
	if err != nil {
		return nil, nil, none, none, fmt.Errorf("client A: %w", err)
	}
	b, err := dial(ctx, url, onMatched(chB))
	if err != nil {
		a.Close()
		return nil, nil, none, none, fmt.Errorf("client B: %w", err)
	}

	for _, c := range []*client.Client{a, b} {
		err := c.Send(client.TypeStartMatching, map[string]interface{}{
			"category": "female", "filter": "any", "regionFilter": e2eRegion,
		})
		if err != nil {
			a.Close()
			b.Close()
			return nil, nil, none, none, fmt.Errorf("start-matching: %w", err)
		}
	}

	var mA, mB client.Matched
	for _, step := range []struct {
		ch  chan client.Matched
		dst *client.Matched
	}{{chA, &mA}, {chB, &mB}} {
		select {
		case *step.dst = <-step.ch:
		case <-time.After(30 * time.Second):
			a.Close()
			b.Close()
			return nil, nil, none, none, fmt.Errorf("timeout waiting for matched")
		}
	}
	return a, b, mA, mB, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func await(ctx context.Context, ch <-chan struct{}, d time.Duration) error {
	select {
	case <-ch:
		return nil
	case <-time.After(d):
		return fmt.Errorf("timeout after %s", d)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
