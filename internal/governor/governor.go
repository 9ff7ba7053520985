// Package governor maintains the admission gate that bounds concurrent
// transfers, shrinking and restoring its capacity from sampled system load.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// defaultSampleInterval is how often the background sampler re-reads
	// system load and adjusts the limit.
	defaultSampleInterval = 30 * time.Second

	// cpuHighWatermark is the CPU percentage above which the limit shrinks
	cpuHighWatermark = 80.0

	// cpuLowWatermark is the CPU percentage below which the limit is
	// restored to the configured maximum.
	cpuLowWatermark = 50.0
)

// Gate is the admission primitive transfer tasks pass through before doing
// I/O-heavy work.
type Gate interface {
	// Acquire blocks until a permit is available or the context is done
	Acquire(ctx context.Context) error

	// Release returns a held permit
	Release()
}

// Governor owns an admission gate whose effective capacity tracks system
// load. Capacity changes never touch permits already held by in-flight
// transfers: lowering the limit is done by the governor reserving permits for
// itself, so only new acquirers see the reduced capacity.
type Governor struct {
	max     int64
	sem     *semaphore.Weighted
	sampler LoadSampler

	interval time.Duration

	mu       sync.Mutex
	reserved int64
	last     Sample

	// Lifecycle management. Both channels exist from construction so Stop
	// never races with Start publishing state.
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option is a function that configures the governor
type Option func(*Governor)

// WithSampleInterval overrides the load sampling period
func WithSampleInterval(interval time.Duration) Option {
	return func(g *Governor) {
		g.interval = interval
	}
}

// New creates a governor with the configured maximum concurrency. A nil
// sampler disables adjustment entirely; the limit then stays fixed at max.
func New(maxConcurrent int, sampler LoadSampler, opts ...Option) *Governor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	g := &Governor{
		max:      int64(maxConcurrent),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		sampler:  sampler,
		interval: defaultSampleInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Acquire takes one admission permit, blocking until one is free
func (g *Governor) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns one admission permit
func (g *Governor) Release() {
	g.sem.Release(1)
}

// Limit returns the current effective concurrency limit
func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.max - g.reserved)
}

// LastSample returns the most recent load sample, if any
func (g *Governor) LastSample() Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Init derives the starting limit from a one-shot load reading. A busy system
// starts below the configured maximum; an unreadable load signal leaves the
// limit at the maximum.
func (g *Governor) Init(ctx context.Context) {
	if g.sampler == nil {
		return
	}

	sample, err := g.sampler.Sample(ctx)
	if err != nil {
		slog.Warn("Load signal unavailable at startup, keeping configured concurrency", "error", err)
		return
	}

	g.mu.Lock()
	g.last = sample
	g.mu.Unlock()

	switch {
	case sample.LoadAvg > 1:
		g.lower(int64(sample.LoadAvg))
	case sample.CPUPercent > cpuHighWatermark:
		g.lower(1)
	}

	slog.Info("Derived initial concurrency limit",
		"limit", g.Limit(),
		"max", g.max,
		"load_avg", sample.LoadAvg,
		"cpu_percent", sample.CPUPercent)
}

// Start runs the background adjustment loop until the context is cancelled.
// With no sampler configured it returns immediately and the limit stays at
// the configured maximum.
func (g *Governor) Start(ctx context.Context) {
	defer close(g.done)

	if g.sampler == nil {
		slog.Info("No load sampler available, concurrency adjustment disabled", "limit", g.max)
		return
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			g.adjust(ctx)
		}
	}
}

// Stop halts the adjustment loop and waits for it to finish. Safe to call
// more than once and before Start's goroutine has been scheduled; Start must
// eventually run for Stop to return.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
	})
	<-g.done
}

// adjust applies one sampling round: shrink under high CPU, restore under low
// CPU, hold steady in between.
func (g *Governor) adjust(ctx context.Context) {
	sample, err := g.sampler.Sample(ctx)
	if err != nil {
		slog.Warn("Failed to sample system load", "error", err)
		return
	}

	g.mu.Lock()
	g.last = sample
	g.mu.Unlock()

	switch {
	case sample.CPUPercent > cpuHighWatermark:
		if g.lower(1) {
			slog.Info("High CPU, lowering concurrency limit",
				"cpu_percent", sample.CPUPercent,
				"limit", g.Limit())
		}
	case sample.CPUPercent < cpuLowWatermark:
		if g.restore() {
			slog.Info("Low CPU, restoring concurrency limit",
				"cpu_percent", sample.CPUPercent,
				"limit", g.Limit())
		}
	}
}

// lower reserves up to n permits, keeping the effective limit at 1 or above.
// A reservation is skipped when every permit is held by an in-flight
// transfer; the reduction is then retried on the next sampling round rather
// than revoking a held permit.
func (g *Governor) lower(n int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	lowered := false
	for i := int64(0); i < n && g.reserved < g.max-1; i++ {
		if !g.sem.TryAcquire(1) {
			break
		}
		g.reserved++
		lowered = true
	}
	return lowered
}

// restore releases every reserved permit, returning the limit to the maximum
func (g *Governor) restore() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reserved == 0 {
		return false
	}
	g.sem.Release(g.reserved)
	g.reserved = 0
	return true
}
