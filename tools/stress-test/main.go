// Command stress-test floods a connected printer's command queue and
// reports delivery latency and throughput. Useful for sizing the flow
// control bounds against a real peripheral.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agions/bleprint/internal/ble"
	"github.com/agions/bleprint/internal/printer"
)

type options struct {
	Device      string
	Count       int
	PayloadSize int
	Concurrency int
	Timeout     time.Duration
	Chunked     bool
}

type result struct {
	success int64
	failed  int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (r *result) record(latency time.Duration, err error) {
	if err != nil {
		atomic.AddInt64(&r.failed, 1)
		return
	}
	atomic.AddInt64(&r.success, 1)
	r.mu.Lock()
	r.latencies = append(r.latencies, latency)
	r.mu.Unlock()
}

func (r *result) percentile(p float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.latencies) == 0 {
		return 0
	}
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	idx := int(float64(len(r.latencies)-1) * p)
	return r.latencies[idx]
}

func main() {
	opts := options{}
	flag.StringVar(&opts.Device, "device", "", "printer device id (required)")
	flag.IntVar(&opts.Count, "count", 100, "number of commands to queue")
	flag.IntVar(&opts.PayloadSize, "size", 200, "payload bytes per command")
	flag.IntVar(&opts.Concurrency, "concurrency", 8, "concurrent producers")
	flag.DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "overall deadline")
	flag.BoolVar(&opts.Chunked, "chunked", true, "force chunked delivery")
	flag.Parse()

	if opts.Device == "" {
		fmt.Fprintln(os.Stderr, "usage: stress-test -device <id> [-count N] [-size N]")
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	adapter := ble.NewTinyGoAdapter(logger)
	mgr := printer.New(adapter, printer.Config{QueueBound: opts.Count + 1},
		printer.WithLogger(logger))
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := mgr.Init(ctx); err != nil {
		logger.Fatal("adapter init failed", zap.Error(err))
	}
	if err := mgr.Connect(ctx, opts.Device, printer.ConnectOptions{}); err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}

	payload := make([]byte, opts.PayloadSize)
	rand.Read(payload)

	res := &result{}
	start := time.Now()

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < opts.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				enqueued := time.Now()
				cmd, err := mgr.QueueCommand(payload, printer.QueueOptions{
					UseChunking: opts.Chunked,
				})
				if err != nil {
					res.record(0, err)
					continue
				}
				err = cmd.Wait(ctx)
				res.record(time.Since(enqueued), err)
			}
		}()
	}
	for i := 0; i < opts.Count; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	report := mgr.GetPerformanceReport()
	fmt.Printf("\ncommands:    %d ok, %d failed in %v\n", res.success, res.failed, elapsed.Round(time.Millisecond))
	fmt.Printf("throughput:  %.1f cmd/s, %.0f B/s\n",
		float64(res.success)/elapsed.Seconds(), report.Stats.BytesPerSecond)
	fmt.Printf("latency:     p50 %v, p95 %v, p99 %v\n",
		res.percentile(0.50).Round(time.Millisecond),
		res.percentile(0.95).Round(time.Millisecond),
		res.percentile(0.99).Round(time.Millisecond))
	fmt.Printf("flow:        chunk %dB, delay %v, quality %.3f\n",
		report.Flow.ChunkSize, report.Flow.ChunkDelay, report.Flow.LastQuality)
	fmt.Printf("retries:     %d\n", report.Stats.RetryCount)
}
