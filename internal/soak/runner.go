package soak

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/zeroalloc/internal/buffer"
	"github.com/SkynetNext/zeroalloc/internal/config"
	"github.com/SkynetNext/zeroalloc/internal/logger"
	"github.com/SkynetNext/zeroalloc/internal/memory"
	"github.com/SkynetNext/zeroalloc/internal/metrics"
	"github.com/SkynetNext/zeroalloc/internal/objpool"
	"github.com/SkynetNext/zeroalloc/internal/tracing"
	"github.com/eapache/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Allocator is a byte allocator that reports its counters
type Allocator interface {
	buffer.Allocator[byte]
	Stats() buffer.Stats
}

var albums = [][]byte{
	[]byte("Are you experienced?"),
	[]byte("And Justice For All"),
	[]byte("Mass V"),
	[]byte("The Wall"),
	[]byte("Fortitude"),
	[]byte("L'Enfant Sauvage"),
	[]byte("Metallica"),
	[]byte("The Number of the Beast"),
}

// Stats summarizes runner activity
type Stats struct {
	Rounds     int64
	Claims     int64
	Released   int64
	Violations int64
	Exhausted  int64
}

// claim is one outstanding Release owed to an owner
type claim struct {
	owner *memory.Owner[byte]
	due   int64
}

// worker is the per-goroutine state of a runner. It is never shared.
type worker struct {
	id      int
	round   int64
	rng     *rand.Rand
	pending *queue.Queue
	batch   []*memory.Owner[byte]
}

func newWorker(id int) *worker {
	return &worker{
		id:      id,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
		pending: queue.New(),
	}
}

// Runner drives concurrent workers that lease buffers, slice them into
// owner trees, hand the claims around and release them a few rounds later
// in shuffled order.
type Runner struct {
	cfg     config.SoakConfig
	alloc   Allocator
	scratch *objpool.Pool[Scratch]
	nodes   *objpool.Pool[memory.Owner[byte]]

	rounds     int64
	claims     int64
	released   int64
	violations int64
	exhausted  int64
}

// NewRunner creates a runner leasing from alloc. poolSize bounds both the
// scratch pool and the pool of recycled owner nodes.
func NewRunner(cfg config.SoakConfig, alloc Allocator, poolSize int) (*Runner, error) {
	if alloc == nil {
		return nil, fmt.Errorf("allocator is required")
	}
	if cfg.Workers <= 0 || cfg.RootLength <= 0 || cfg.ReleaseWindow <= 0 {
		return nil, fmt.Errorf("invalid soak configuration: workers=%d root_length=%d release_window=%d",
			cfg.Workers, cfg.RootLength, cfg.ReleaseWindow)
	}

	scratch, err := objpool.NewPool[Scratch]("soak_scratch", poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch pool: %w", err)
	}
	nodes, err := objpool.NewPool[memory.Owner[byte]]("soak_owner", poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create owner pool: %w", err)
	}

	return &Runner{
		cfg:     cfg,
		alloc:   alloc,
		scratch: scratch,
		nodes:   nodes,
	}, nil
}

// Run starts the workers and blocks until ctx is done. Every claim still
// outstanding is released before Run returns.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup

	metrics.SoakWorkers.Add(float64(r.cfg.Workers))
	defer metrics.SoakWorkers.Sub(float64(r.cfg.Workers))

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.work(ctx, newWorker(id))
		}(i)
	}
	wg.Wait()
}

func (r *Runner) work(ctx context.Context, w *worker) {
	defer r.releaseDue(w, math.MaxInt64)

	var tick <-chan time.Time
	if r.cfg.RoundInterval > 0 {
		ticker := time.NewTicker(r.cfg.RoundInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.round(ctx, w); err != nil {
			logger.WarnWithTrace(ctx, "soak round failed",
				zap.Int("worker", w.id),
				zap.Int64("round", w.round),
				zap.Error(err),
			)
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		}
	}
}

// round leases one root, slices it, queues every claim and releases the claims that fell due
func (r *Runner) round(ctx context.Context, w *worker) error {
	ctx, span := tracing.StartSpan(ctx, "soak.round")
	defer span.End()

	start := time.Now()
	w.round++

	root, err := memory.NewRoot[byte](r.alloc, r.cfg.RootLength)
	if err != nil {
		if errors.Is(err, buffer.ErrExhausted) {
			// Give back everything this worker holds so others can make progress
			atomic.AddInt64(&r.exhausted, 1)
			r.releaseDue(w, math.MaxInt64)
			return nil
		}
		return err
	}

	s := r.scratch.Get()
	defer func() {
		s.Reset()
		r.scratch.Put(s)
	}()

	view, err := root.View()
	if err != nil {
		return err
	}
	for i := 0; i < len(view); i += len(albums[0]) {
		copy(view[i:], albums[0])
	}

	w.batch = append(w.batch[:0], root)
	var last *memory.Owner[byte]
	for i := 0; i < r.cfg.Children; i++ {
		parent := root
		// Every third child nests inside the one before it
		if i%3 == 2 && last != nil {
			parent = last
		}

		offset, length := pickRange(w.rng, parent.Len())
		node := r.nodes.Get()
		if err := node.InitAsChild(parent, offset, length, true); err != nil {
			r.nodes.Put(node)
			atomic.AddInt64(&r.violations, 1)
			logger.ErrorWithTrace(ctx, "failed to slice buffer",
				zap.Int("offset", offset),
				zap.Int("length", length),
				zap.Error(err),
			)
			continue
		}

		if cv, err := node.View(); err == nil {
			s.Process(cv, albums[(int(w.round)+i)%len(albums)])
		}

		for m := 0; m < r.cfg.ExtraOwners; m++ {
			if err := node.AddOwner(); err != nil {
				atomic.AddInt64(&r.violations, 1)
				break
			}
			w.batch = append(w.batch, node)
		}
		w.batch = append(w.batch, node)
		last = node
	}

	w.rng.Shuffle(len(w.batch), func(i, j int) {
		w.batch[i], w.batch[j] = w.batch[j], w.batch[i]
	})
	due := w.round + int64(r.cfg.ReleaseWindow)
	for _, o := range w.batch {
		w.pending.Add(&claim{owner: o, due: due})
	}
	atomic.AddInt64(&r.claims, int64(len(w.batch)))
	span.SetAttributes(
		attribute.Int("worker", w.id),
		attribute.Int("claims", len(w.batch)),
		attribute.Int("pending", w.pending.Length()),
	)

	r.releaseDue(w, w.round)

	atomic.AddInt64(&r.rounds, 1)
	metrics.SoakRounds.Inc()
	metrics.SoakRoundLatency.Observe(time.Since(start).Seconds())
	return nil
}

// releaseDue releases queued claims whose due round is at most upTo.
// Claims are queued in due order, so the scan stops at the first one not yet due.
func (r *Runner) releaseDue(w *worker, upTo int64) {
	for w.pending.Length() > 0 {
		c := w.pending.Peek().(*claim)
		if c.due > upTo {
			return
		}
		w.pending.Remove()
		r.release(c.owner)
	}
}

func (r *Runner) release(o *memory.Owner[byte]) {
	if err := o.Release(); err != nil {
		atomic.AddInt64(&r.violations, 1)
		return
	}
	atomic.AddInt64(&r.released, 1)

	// A retired child has no claims left anywhere and can be recycled
	if !o.IsRoot() && o.Retired() {
		r.nodes.Put(o)
	}
}

// pickRange returns a random non-empty range inside [0, n)
func pickRange(rng *rand.Rand, n int) (offset, length int) {
	if n <= 0 {
		return 0, 0
	}
	length = 1 + rng.Intn(n)
	offset = rng.Intn(n - length + 1)
	return offset, length
}

// Stats returns runner counters
func (r *Runner) Stats() Stats {
	return Stats{
		Rounds:     atomic.LoadInt64(&r.rounds),
		Claims:     atomic.LoadInt64(&r.claims),
		Released:   atomic.LoadInt64(&r.released),
		Violations: atomic.LoadInt64(&r.violations),
		Exhausted:  atomic.LoadInt64(&r.exhausted),
	}
}

// IdleScratch returns the number of Scratch values waiting in the pool
func (r *Runner) IdleScratch() int {
	return r.scratch.Count()
}
