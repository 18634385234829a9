package main

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// collector aggregates results from many client goroutines.
type collector struct {
	mu        sync.Mutex
	series    map[string][]time.Duration
	order     []string
	counters  map[string]int64
	errors    int
	startTime time.Time
}

func newCollector() *collector {
	return &collector{
		series:    make(map[string][]time.Duration),
		counters:  make(map[string]int64),
		startTime: time.Now(),
	}
}

// observe records one latency sample in the named series.
func (c *collector) observe(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.series[name]; !ok {
		c.order = append(c.order, name)
	}
	c.series[name] = append(c.series[name], d)
}

func (c *collector) count(name string, n int64) {
	c.mu.Lock()
	c.counters[name] += n
	c.mu.Unlock()
}

func (c *collector) fail() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *collector) samples(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.series[name])
}

func (c *collector) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// summary is the percentile view of one series.
type summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func summarize(durations []time.Duration) summary {
	n := len(durations)
	if n == 0 {
		return summary{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func (c *collector) report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Errors:       %d\n", c.errors)

	names := make([]string, 0, len(c.counters))
	for name := range c.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-13s %d\n", name+":", c.counters[name])
	}

	for _, name := range c.order {
		s := summarize(c.series[name])
		fmt.Printf("\n--- %s ---\n", name)
		fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond),
			s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
			s.N,
		)
	}
	fmt.Println()
}
