package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/zeroalloc/internal/buffer"
	"github.com/SkynetNext/zeroalloc/internal/memory"
	"github.com/SkynetNext/zeroalloc/internal/objpool"
	"github.com/SkynetNext/zeroalloc/internal/soak"
)

var (
	mode       = flag.String("mode", "pool", "Acquisition mode: pool, syncpool or alloc")
	goroutines = flag.Int("goroutines", runtime.GOMAXPROCS(0), "Number of concurrent goroutines")
	duration   = flag.Duration("duration", 10*time.Second, "Test duration")
	poolSize   = flag.Int("pool-size", objpool.DefaultMaxSize, "Object pool capacity")
	bufferLen  = flag.Int("buffer-length", 4096, "Root buffer length leased per operation")
	children   = flag.Int("children", 4, "Children sliced from each root")
	verbose    = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalOps     int64
	FailedOps    int64
	MinLatency   time.Duration
	MaxLatency   time.Duration
	TotalLatency time.Duration
}

var stats Stats

var source = []byte("Are you experienced? And Justice For All. The Number of the Beast.")

func main() {
	flag.Parse()

	fmt.Printf("=== Object Pool Benchmark ===\n")
	fmt.Printf("Mode: %s\n", *mode)
	fmt.Printf("Goroutines: %d\n", *goroutines)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Pool Size: %d, Buffer Length: %d, Children: %d\n", *poolSize, *bufferLen, *children)
	fmt.Printf("\n")

	acquire, release, err := newAcquirer(*mode, *poolSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	alloc, err := buffer.NewArrayPool[byte]("poolbench", *bufferLen, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	var wg sync.WaitGroup
	startTime := time.Now()
	for i := 0; i < *goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if err := runOnce(acquire, release, alloc); err != nil {
					atomic.AddInt64(&stats.FailedOps, 1)
					if *verbose {
						fmt.Printf("\nOperation failed: %v\n", err)
					}
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(startTime)

	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	// Final report
	<-statsDone
	printFinalReport(elapsed, alloc.Stats(), after.Mallocs-before.Mallocs, after.TotalAlloc-before.TotalAlloc)
}

// newAcquirer returns the Scratch acquisition strategy for mode
func newAcquirer(mode string, size int) (func() *soak.Scratch, func(*soak.Scratch), error) {
	switch mode {
	case "pool":
		p, err := objpool.NewPool[soak.Scratch]("poolbench", size)
		if err != nil {
			return nil, nil, err
		}
		return p.Get, func(s *soak.Scratch) {
			s.Reset()
			p.Put(s)
		}, nil
	case "syncpool":
		p := &sync.Pool{New: func() interface{} {
			s := new(soak.Scratch)
			s.Init()
			return s
		}}
		return func() *soak.Scratch { return p.Get().(*soak.Scratch) }, func(s *soak.Scratch) {
			s.Reset()
			p.Put(s)
		}, nil
	case "alloc":
		return func() *soak.Scratch {
			s := new(soak.Scratch)
			s.Init()
			return s
		}, func(*soak.Scratch) {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// runOnce borrows a Scratch, leases a root buffer, fills children through the Scratch and releases everything
func runOnce(acquire func() *soak.Scratch, release func(*soak.Scratch), alloc buffer.Allocator[byte]) error {
	start := time.Now()

	s := acquire()
	defer release(s)

	root, err := memory.NewRoot[byte](alloc, *bufferLen)
	if err != nil {
		return err
	}
	if err := fillChildren(s, root, *children); err != nil {
		return err
	}

	recordLatency(time.Since(start))
	return nil
}

// fillChildren slices root into equal children, fills each through s and
// releases it, then releases the caller's claim on root. The root claim is
// released on every path and all release failures are reported.
func fillChildren(s *soak.Scratch, root *memory.Owner[byte], n int) error {
	step := root.Len() / (n + 1)
	for i := 0; i < n && step > 0; i++ {
		child, err := root.Slice(i*step, step)
		if err != nil {
			return errors.Join(fmt.Errorf("slice child %d: %w", i, err), root.Release())
		}
		if view, err := child.View(); err == nil {
			s.Process(view, source)
		}
		if err := child.Release(); err != nil {
			return errors.Join(fmt.Errorf("release child %d: %w", i, err), root.Release())
		}
	}
	if err := root.Release(); err != nil {
		return fmt.Errorf("release root: %w", err)
	}
	return nil
}

func recordLatency(latency time.Duration) {
	atomic.AddInt64(&stats.TotalOps, 1)

	for {
		oldMin := atomic.LoadInt64((*int64)(&stats.MinLatency))
		if oldMin != 0 && latency >= time.Duration(oldMin) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MinLatency), oldMin, int64(latency)) {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64((*int64)(&stats.MaxLatency))
		if latency <= time.Duration(oldMax) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MaxLatency), oldMax, int64(latency)) {
			break
		}
	}

	atomic.AddInt64((*int64)(&stats.TotalLatency), int64(latency))
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("\r[Stats] Ops: %d (failed: %d)",
				atomic.LoadInt64(&stats.TotalOps), atomic.LoadInt64(&stats.FailedOps))
		}
	}
}

func printFinalReport(elapsed time.Duration, as buffer.Stats, mallocs, allocBytes uint64) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalOps := atomic.LoadInt64(&stats.TotalOps)
	failedOps := atomic.LoadInt64(&stats.FailedOps)

	fmt.Printf("\n--- Operations ---\n")
	fmt.Printf("Successful: %d\n", totalOps)
	fmt.Printf("Failed: %d\n", failedOps)
	fmt.Printf("Throughput: %.2f ops/s\n", float64(totalOps)/elapsed.Seconds())

	fmt.Printf("\n--- Latency ---\n")
	if totalOps > 0 {
		fmt.Printf("Min: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.MinLatency))))
		fmt.Printf("Max: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.MaxLatency))))
		fmt.Printf("Avg: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.TotalLatency))/totalOps))
	}

	fmt.Printf("\n--- Memory ---\n")
	fmt.Printf("Heap Allocations: %d\n", mallocs)
	fmt.Printf("Heap Bytes: %d (%.2f MB)\n", allocBytes, float64(allocBytes)/1024/1024)
	if totalOps > 0 {
		fmt.Printf("Bytes/op: %.1f\n", float64(allocBytes)/float64(totalOps))
	}

	fmt.Printf("\n--- Allocator ---\n")
	fmt.Printf("Leases: %d, Releases: %d, Outstanding: %d\n", as.Leases, as.Releases, as.Outstanding)

	if failedOps > 0 || as.Leases != as.Releases {
		fmt.Printf("\nBenchmark failed: operations failed or leases do not balance\n")
		os.Exit(1)
	}
	fmt.Printf("\nBenchmark completed successfully\n")
}
