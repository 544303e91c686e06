package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	httpapi "snapkv/internal/http"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	baseURL := "http://localhost:8080"
	if len(os.Args) > 1 {
		baseURL = os.Args[1]
	}

	ctx := context.Background()
	client := httpapi.NewClient(baseURL)

	fmt.Println("=== snapkv Benchmark ===")
	fmt.Printf("Target: %s\n\n", baseURL)

	put := func(g, j int) error {
		_, err := client.Put(ctx, fmt.Sprintf("bench_key_%d_%d", g, j), fmt.Sprintf("bench_value_%d", time.Now().UnixNano()))
		return err
	}
	get := func(g, j int) error {
		_, found, err := client.Get(ctx, fmt.Sprintf("bench_key_%d_%d", g, j))
		if err == nil && !found {
			err = fmt.Errorf("key bench_key_%d_%d not found", g, j)
		}
		return err
	}

	fmt.Println("Test 1: Sequential Writes (100 operations)")
	printResult(benchmark(100, 1, put))

	fmt.Println("\nTest 2: Sequential Reads (100 operations)")
	printResult(benchmark(100, 1, get))

	fmt.Println("\nTest 3: Concurrent Writes (100 operations, 10 goroutines)")
	printResult(benchmark(100, 10, put))

	id, seqno, err := client.OpenSnapshot(ctx, 0)
	if err != nil {
		fmt.Printf("ERROR: failed to open snapshot: %v\n", err)
		return
	}
	defer func() { _ = client.CloseSnapshot(ctx, id) }()

	fmt.Printf("\nTest 4: Snapshot scans at seqno %d under concurrent writes\n", seqno)
	scan := func(g, j int) error {
		if g%2 == 0 {
			return put(g+100, j)
		}
		_, err := client.Keys(ctx, httpapi.ListOptions{Snapshot: id, Limit: 100})
		return err
	}
	printResult(benchmark(100, 10, scan))

	fmt.Println("\n=== Benchmark Complete ===")
}

// benchmark spreads totalOps calls of op over concurrency goroutines.
func benchmark(totalOps, concurrency int, op func(g, j int) error) BenchmarkResult {
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successful int
		latencies  = make([]time.Duration, 0, totalOps)
	)

	perGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	start := time.Now()
	for g := 0; g < concurrency; g++ {
		ops := perGoroutine
		if g < remainder {
			ops++
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(g, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	duration := time.Since(start)

	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     totalOps - successful,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}

	var sum time.Duration
	res.MinLatency, res.MaxLatency = latencies[0], latencies[0]
	for _, lat := range latencies {
		res.MinLatency = min(res.MinLatency, lat)
		res.MaxLatency = max(res.MaxLatency, lat)
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(latencies))

	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
