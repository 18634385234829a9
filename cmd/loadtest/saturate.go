package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/wsclient"
)

// runSaturate ramps up idle connections, holds them and reports drops. It
// finds the connection capacity before the server starts refusing or
// dropping clients.
func runSaturate(args []string) {
	var tgt target
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	tgt.bind(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	_ = fs.Parse(args)
	mustInit(&tgt)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, tgt.url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := newCollector()
	var mu sync.Mutex
	clients := make([]*wsclient.Client, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	ramp(ctx, *connections, *rampUp, *concurrency, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := tgt.dial(connCtx, tgt.userID("idle", i), i)
		if err != nil {
			stats.fail()
			return
		}
		stats.observe("connect", c.Metrics().ConnectLatency)
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	fmt.Printf("Ramp-up complete: %d/%d connections (%d errors)\n",
		stats.samples("connect"), *connections, stats.errorCount())

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("Interrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-statusTicker.C:
				mu.Lock()
				alive := 0
				for _, c := range clients {
					select {
					case <-c.Done():
					default:
						alive++
					}
				}
				total := len(clients)
				mu.Unlock()
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	mu.Lock()
	dropped := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			dropped++
		default:
		}
		c.Close()
	}
	mu.Unlock()
	stats.count("dropped", int64(dropped))
	stats.report()
}

// ramp calls launch n times spread over d with at most concurrency calls in
// flight, and waits for all of them. Cancelling ctx stops new launches.
func ramp(ctx context.Context, n int, d time.Duration, concurrency int, launch func(i int)) {
	interval := d / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, max(concurrency, 1))
	var wg sync.WaitGroup
	defer wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			launch(i)
		}(i)
	}
}
