package stats

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server-side series shown in the report. Labelled series are summed.
var gaugeRows = []struct{ label, metric string }{
	{"Connections", "meet_connections_active"},
	{"Active Sessions", "meet_sessions_active"},
	{"Queue Size", "meet_queue_size"},
	{"Messages Total", "meet_messages_total"},
	{"Matches Total", "meet_matches_total"},
	{"Bot Offers", "meet_bot_offers_total"},
	{"Text Blocked", "meet_text_blocked_total"},
}

var histogramRows = []struct{ label, metric string }{
	{"Match Wait", "meet_match_wait_seconds"},
	{"Session Length", "meet_session_duration_seconds"},
}

// sample is one scrape: metric name (labels stripped) to summed value.
type sample struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's /metrics endpoint while a scenario runs.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu      sync.Mutex
	samples []sample

	stop context.CancelFunc
	done chan struct{}
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start records one sample immediately, then one per interval, plus a
// final one when ctx ends or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.record()

	go func() {
		defer close(s.done)
		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				s.record()
			case <-ctx.Done():
				s.record()
				return
			}
		}
	}()
}

func (s *Scraper) Stop() {
	if s.stop == nil {
		return
	}
	s.stop()
	<-s.done
}

// record drops failed scrapes; the server may still be starting.
func (s *Scraper) record() {
	values, err := s.scrape()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: time.Now(), values: values})
	s.mu.Unlock()
}

func (s *Scraper) scrape() (map[string]float64, error) {
	resp, err := s.http.Get(s.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: status %d", s.url, resp.StatusCode)
	}

	values := make(map[string]float64)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "meet_") {
			continue
		}
		if name, v, ok := parseMetricLine(line); ok {
			values[name] += v
		}
	}
	return values, sc.Err()
}

// parseMetricLine splits a text-format exposition line into its metric
// name, without labels, and value.
func parseMetricLine(line string) (string, float64, bool) {
	name, rest := line, ""
	if open := strings.IndexByte(line, '{'); open >= 0 {
		closeAt := strings.IndexByte(line[open:], '}')
		if closeAt < 0 {
			return "", 0, false
		}
		name, rest = line[:open], line[open+closeAt+1:]
	} else if sp := strings.IndexAny(line, " \t"); sp >= 0 {
		name, rest = line[:sp], line[sp:]
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints first, last, delta and peak for each gauge row and the
// mean observation of each histogram over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  %d scrapes over %s\n\n", len(samples), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range gaugeRows {
		peak := first.values[row.metric]
		for _, smp := range samples[1:] {
			peak = max(peak, smp.values[row.metric])
		}
		a, b := first.values[row.metric], last.values[row.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", row.label, a, b, b-a, peak)
	}

	fmt.Println()
	for _, row := range histogramRows {
		n := last.values[row.metric+"_count"] - first.values[row.metric+"_count"]
		if n <= 0 {
			fmt.Printf("  %-16s no observations\n", row.label)
			continue
		}
		sum := last.values[row.metric+"_sum"] - first.values[row.metric+"_sum"]
		fmt.Printf("  %-16s mean %.3fs over %.0f observations\n", row.label, sum/n, n)
	}
}
