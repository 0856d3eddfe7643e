// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Series names used by the scenarios.
const (
	SeriesConnect = "connect"
	SeriesMatch   = "match"
	SeriesText    = "text"
)

// Collector is goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	order       []string
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{series: make(map[string][]time.Duration), startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()
	c.Observe(SeriesConnect, d)
}

// Observe records one latency sample in the named series.
func (c *Collector) Observe(series string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Count returns the number of samples in a series.
func (c *Collector) Count(series string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.series[series])
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, name := range c.order {
		fmt.Printf("\n--- %s latency ---\n", name)
		fmt.Println("  " + Percentiles(c.series[name]).String())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Summary is a percentile breakdown of a sample set.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	if s.N == 0 {
		return "no samples"
	}
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N)
}

// Percentiles computes a Summary. It sorts a copy of durations.
func Percentiles(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(p float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*p))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}
