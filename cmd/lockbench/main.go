// Command lockbench measures lock throughput and wait latency against the
// in-memory facade: a pool of workers acquires and releases for a fixed
// duration and a small report is printed at the end. Useful for spotting
// regressions in the acquire path without any external service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jathurchan/treekeeper/facade/memfacade"
	"github.com/jathurchan/treekeeper/lock"
	"github.com/jathurchan/treekeeper/logger"
	"github.com/jathurchan/treekeeper/types"
)

const benchPath = "/bench/lock"

type benchConfig struct {
	Workers   int
	Duration  time.Duration
	ReadRatio float64
	LogLevel  string
}

type benchResult struct {
	grants   atomic.Uint64
	failures atomic.Uint64
}

func main() {
	cfg := parseFlags()
	if err := runBench(cfg); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func parseFlags() benchConfig {
	var cfg benchConfig
	flag.IntVar(&cfg.Workers, "workers", 8, "concurrent lock workers")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Second, "how long to run")
	flag.Float64Var(&cfg.ReadRatio, "read-ratio", 0, "fraction of workers using read locks (rest use write locks); 0 runs exclusive locks only")
	flag.StringVar(&cfg.LogLevel, "log-level", "error", "minimum log level")
	flag.Parse()
	return cfg
}

func runBench(cfg benchConfig) error {
	lg := logger.NewStdLogger(cfg.LogLevel)
	tree := memfacade.NewTree()
	metrics := lock.NewMetrics()
	result := &benchResult{}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		mode := pickMode(cfg, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, tree, lg, metrics, mode, result)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(cfg, metrics, result, elapsed)
	return nil
}

func pickMode(cfg benchConfig, i int) types.LockMode {
	if cfg.ReadRatio <= 0 {
		return types.ModeExclusive
	}
	if float64(i) < cfg.ReadRatio*float64(cfg.Workers) {
		return types.ModeRead
	}
	return types.ModeWrite
}

func runWorker(ctx context.Context, tree *memfacade.Tree, lg logger.Logger, metrics lock.Metrics, mode types.LockMode, result *benchResult) {
	c := tree.Connect()
	defer c.Close()

	var l *lock.Lock
	opts := []lock.Option{lock.WithLogger(lg), lock.WithMetrics(metrics)}
	switch mode {
	case types.ModeRead:
		l = lock.NewReadLock(c, benchPath, opts...)
	case types.ModeWrite:
		l = lock.NewWriteLock(c, benchPath, opts...)
	default:
		l = lock.NewLock(c, benchPath, opts...)
	}
	defer l.Close()

	for ctx.Err() == nil {
		granted, err := l.Acquire(ctx, true)
		if err != nil {
			if ctx.Err() == nil {
				result.failures.Add(1)
			}
			return
		}
		if !granted {
			continue
		}
		result.grants.Add(1)
		// A short, jittered critical section keeps the queue realistic.
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		if err := l.Release(context.Background()); err != nil {
			result.failures.Add(1)
			return
		}
	}
}

func report(cfg benchConfig, metrics *lock.StandardMetrics, result *benchResult, elapsed time.Duration) {
	grants := result.grants.Load()
	fmt.Printf("workers:    %d\n", cfg.Workers)
	fmt.Printf("elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("grants:     %d (%.0f/s)\n", grants, float64(grants)/elapsed.Seconds())
	fmt.Printf("failures:   %d\n", result.failures.Load())
	for _, mode := range []types.LockMode{types.ModeExclusive, types.ModeRead, types.ModeWrite} {
		attempts, granted := metrics.AcquireCount(mode)
		if attempts == 0 {
			continue
		}
		var avgWait time.Duration
		if granted > 0 {
			avgWait = metrics.TotalWait(mode) / time.Duration(granted)
		}
		fmt.Printf("%-10s attempts=%d granted=%d avg_wait=%v\n", mode, attempts, granted, avgWait.Round(time.Microsecond))
	}
}
