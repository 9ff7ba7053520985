// Package orchestrator drives the watch loop: detect stable files, move them
// through the transfer engine under the governor's admission limit, and
// report what happened.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spoolwatch/spoolwatch/internal/config"
	"github.com/spoolwatch/spoolwatch/internal/history"
	"github.com/spoolwatch/spoolwatch/internal/notify"
	"github.com/spoolwatch/spoolwatch/internal/scan"
	"github.com/spoolwatch/spoolwatch/internal/telemetry"
	"github.com/spoolwatch/spoolwatch/internal/transfer"
)

// State describes the orchestrator lifecycle
type State int32

const (
	// StateIdle means Run has not been called yet
	StateIdle State = iota

	// StateRunning means the watch loop is active
	StateRunning

	// StateShuttingDown means shutdown was requested and in-flight
	// transfers are being drained
	StateShuttingDown

	// StateStopped means the loop has exited
	StateStopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

// reconnectNotifyEvery spaces out still-disconnected alerts to every Nth attempt
const reconnectNotifyEvery = 10

// defaultGracePeriod bounds how long shutdown waits for in-flight transfers
const defaultGracePeriod = 30 * time.Second

// abandonWait bounds the wait for already-cancelled transfers to unwind
const abandonWait = 5 * time.Second

// Detector finds files that are safe to move
type Detector interface {
	Stable(ctx context.Context) ([]scan.Candidate, error)
}

// Engine moves one file from source to destination
type Engine interface {
	Transfer(ctx context.Context, source, destination string) error
}

// Governor adjusts and reports the transfer admission limit
type Governor interface {
	Init(ctx context.Context)
	Start(ctx context.Context)
	Stop()
	Limit() int
}

// Stats aggregates what the loop has done since startup
type Stats struct {
	Moved      int64
	Failed     int64
	Skipped    int64
	BytesMoved int64

	// LastSuccess is when a file last reached the destination; the zero
	// value means no file has moved yet
	LastSuccess time.Time

	StartedAt time.Time
}

// Orchestrator owns the watch loop and its collaborators
type Orchestrator struct {
	cfg      *config.Config
	detector Detector
	engine   Engine

	governor Governor
	sink     notify.Sink
	store    history.Store
	metrics  *telemetry.TransferMetrics
	grace    time.Duration
	abandon  time.Duration

	state atomic.Int32

	mu                 sync.Mutex
	stats              Stats
	lastHealth         time.Time
	lastActivity       time.Time
	inactivityNotified bool
	reconnectAttempts  int
}

// Option is a function that configures the orchestrator
type Option func(*Orchestrator)

// WithGovernor attaches an adaptive concurrency governor
func WithGovernor(g Governor) Option {
	return func(o *Orchestrator) {
		o.governor = g
	}
}

// WithNotifier attaches an event sink for operational alerts
func WithNotifier(sink notify.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithHistory attaches a persistent record of transfer outcomes
func WithHistory(store history.Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithMetrics attaches OpenTelemetry instruments
func WithMetrics(m *telemetry.TransferMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithGracePeriod overrides how long shutdown waits for in-flight transfers
func WithGracePeriod(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.grace = d
	}
}

// New creates an orchestrator around a detector and a transfer engine
func New(cfg *config.Config, detector Detector, engine Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		detector: detector,
		engine:   engine,
		sink:     notify.NewLogSink(),
		store:    history.NewNoopStore(),
		grace:    defaultGracePeriod,
		abandon:  abandonWait,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Stats returns a snapshot of the loop's counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Run drives scan cycles until ctx is cancelled, then drains in-flight
// transfers within the grace period and reports a shutdown summary.
// Cancellation is the normal way to stop and is not an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.state.Store(int32(StateRunning))
	defer o.state.Store(int32(StateStopped))

	if err := os.MkdirAll(o.cfg.DestinationDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	o.mu.Lock()
	o.stats.StartedAt = time.Now()
	o.lastHealth = time.Now()
	o.lastActivity = time.Now()
	o.mu.Unlock()

	o.notifyEvent(ctx, notify.Event{
		Kind:    notify.KindStartup,
		Title:   "Watcher started",
		Message: fmt.Sprintf("Watching %s, moving to %s", o.cfg.SourceDir, o.cfg.DestinationDir),
	})

	if o.governor != nil {
		o.governor.Init(ctx)
		go o.governor.Start(ctx)
		defer o.governor.Stop()
	}

	// Transfers run on a context detached from ctx so shutdown can grant
	// them a bounded grace period instead of aborting them mid-copy.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	for {
		cycleDone := make(chan struct{})
		go func() {
			defer close(cycleDone)
			o.cycle(workCtx)
		}()

		select {
		case <-cycleDone:
		case <-ctx.Done():
			o.shutdown(cycleDone, workCancel)
			return nil
		}

		select {
		case <-time.After(o.cfg.ScanInterval()):
		case <-ctx.Done():
			o.shutdown(nil, workCancel)
			return nil
		}
	}
}

// shutdown waits out the grace period for an in-flight cycle, abandons it if
// it overruns, and emits the final summary.
func (o *Orchestrator) shutdown(cycleDone <-chan struct{}, workCancel context.CancelFunc) {
	o.state.Store(int32(StateShuttingDown))
	slog.Info("Shutting down", "grace_period", o.grace)

	if cycleDone != nil {
		select {
		case <-cycleDone:
		case <-time.After(o.grace):
			slog.Warn("Grace period expired, abandoning in-flight transfers")
			workCancel()
			// A transfer wedged in an uninterruptible syscall, such
			// as on a hung network mount, must not hold up exit.
			select {
			case <-cycleDone:
			case <-time.After(o.abandon):
				slog.Warn("Abandoned transfers did not unwind, exiting anyway")
			}
		}
	}
	workCancel()

	stats := o.Stats()
	o.notifyEvent(context.Background(), notify.Event{
		Kind:  notify.KindShutdown,
		Title: "Watcher stopped",
		Message: fmt.Sprintf("Moved %d files (%d bytes), %d failed, %d skipped, uptime %s",
			stats.Moved, stats.BytesMoved, stats.Failed, stats.Skipped,
			time.Since(stats.StartedAt).Round(time.Second)),
	})
}

// cycle runs one pass: health reporting, source availability, stability
// detection, and one transfer task per stable file.
func (o *Orchestrator) cycle(ctx context.Context) {
	if o.healthDue() {
		o.reportHealth(ctx)
	}

	if !o.checkSource(ctx) {
		return
	}

	// The destination may ride the same mount as the source; recreate it
	// if it went away while disconnected.
	if err := os.MkdirAll(o.cfg.DestinationDir, 0o750); err != nil {
		slog.Error("Destination directory unavailable", "dir", o.cfg.DestinationDir, "error", err)
		return
	}

	candidates, err := o.detector.Stable(ctx)
	if err != nil {
		slog.Error("Scan failed", "dir", o.cfg.SourceDir, "error", err)
		return
	}
	if len(candidates) == 0 {
		o.checkInactivity(ctx)
		return
	}

	slog.Info("Starting transfers", "count", len(candidates))

	results := make([]error, len(candidates))
	durations := make([]time.Duration, len(candidates))

	// One task per file; a failing file never aborts its siblings, so
	// tasks report through results instead of group errors.
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		g.Go(func() error {
			destination := filepath.Join(o.cfg.DestinationDir, filepath.Base(c.Path))
			start := time.Now()
			results[i] = o.engine.Transfer(gctx, c.Path, destination)
			durations[i] = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range candidates {
		o.recordOutcome(ctx, c, results[i], durations[i])
	}

	o.checkInactivity(ctx)
}

// checkSource verifies the source directory is reachable, tracking
// disconnects across cycles and announcing recovery.
func (o *Orchestrator) checkSource(ctx context.Context) bool {
	_, err := os.Stat(o.cfg.SourceDir)

	o.mu.Lock()
	attempts := o.reconnectAttempts
	if err != nil {
		o.reconnectAttempts++
	} else {
		o.reconnectAttempts = 0
	}
	o.mu.Unlock()

	if err == nil {
		if attempts > 0 {
			// The outage was not the files' fault; restart the
			// inactivity clock.
			o.mu.Lock()
			o.lastActivity = time.Now()
			o.inactivityNotified = false
			o.mu.Unlock()

			slog.Info("Source directory reconnected", "dir", o.cfg.SourceDir, "attempts", attempts)
			o.notifyEvent(ctx, notify.Event{
				Kind:    notify.KindReconnect,
				Title:   "Source reconnected",
				Message: fmt.Sprintf("%s is reachable again after %d attempts", o.cfg.SourceDir, attempts),
			})
		}
		return true
	}

	slog.Warn("Source directory unreachable", "dir", o.cfg.SourceDir, "attempt", attempts+1, "error", err)

	if attempts == 0 {
		o.notifyEvent(ctx, notify.Event{
			Kind:    notify.KindDisconnect,
			Title:   "Source disconnected",
			Message: fmt.Sprintf("%s is not reachable: %v", o.cfg.SourceDir, err),
			Level:   notify.LevelError,
		})
	} else if (attempts+1)%reconnectNotifyEvery == 0 {
		o.notifyEvent(ctx, notify.Event{
			Kind:    notify.KindDisconnect,
			Title:   "Source still disconnected",
			Message: fmt.Sprintf("%s unreachable after %d attempts", o.cfg.SourceDir, attempts+1),
			Level:   notify.LevelError,
		})
	}
	return false
}

// recordOutcome folds one finished transfer into stats, history, metrics, and
// alerts.
func (o *Orchestrator) recordOutcome(ctx context.Context, c scan.Candidate, err error, duration time.Duration) {
	name := filepath.Base(c.Path)

	switch {
	case err == nil:
		o.mu.Lock()
		o.stats.Moved++
		o.stats.BytesMoved += c.Size
		o.stats.LastSuccess = time.Now()
		o.lastActivity = time.Now()
		o.inactivityNotified = false
		o.mu.Unlock()

		slog.Info("File moved", "file", name, "bytes", c.Size, "duration", duration)
		o.metrics.RecordTransfer(ctx, duration, c.Size, true, "")
		o.recordHistory(ctx, history.OperationRecord{
			Time:            time.Now(),
			File:            name,
			Bytes:           c.Size,
			DurationSeconds: duration.Seconds(),
			Outcome:         history.OutcomeMoved,
		})

	case errors.Is(err, transfer.ErrLockHeld):
		// Someone else owns this file right now; not a failure
		o.mu.Lock()
		o.stats.Skipped++
		o.mu.Unlock()

		slog.Info("File skipped, lock held elsewhere", "file", name)
		o.recordHistory(ctx, history.OperationRecord{
			Time:    time.Now(),
			File:    name,
			Outcome: history.OutcomeSkipped,
		})

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Info("Transfer cancelled", "file", name)

	default:
		reason := transfer.FailureReason(err)

		o.mu.Lock()
		o.stats.Failed++
		o.mu.Unlock()

		slog.Error("Transfer failed", "file", name, "reason", reason, "error", err)
		o.metrics.RecordTransfer(ctx, duration, 0, false, reason)
		o.recordHistory(ctx, history.OperationRecord{
			Time:            time.Now(),
			File:            name,
			DurationSeconds: duration.Seconds(),
			Outcome:         history.OutcomeFailed,
			Reason:          reason,
		})
		o.notifyEvent(ctx, notify.Event{
			Kind:    notify.KindTransferFail,
			Title:   "Transfer failed",
			Message: fmt.Sprintf("%s: %v", name, err),
			Level:   notify.LevelError,
		})
	}
}

// healthDue reports whether the periodic health summary should fire
func (o *Orchestrator) healthDue() bool {
	if o.cfg.HealthIntervalSeconds <= 0 {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if time.Since(o.lastHealth) < o.cfg.HealthInterval() {
		return false
	}
	o.lastHealth = time.Now()
	return true
}

// reportHealth samples the host, persists the reading, and emits a summary
func (o *Orchestrator) reportHealth(ctx context.Context) {
	sample, err := history.CollectSystemSample(ctx, o.cfg.DestinationDir)
	if err != nil {
		slog.Warn("Failed to collect system sample", "error", err)
	} else if err := o.store.RecordSample(ctx, sample); err != nil {
		slog.Warn("Failed to persist system sample", "error", err)
	}

	summary, err := o.store.Summary(ctx)
	if err != nil {
		slog.Warn("Failed to summarize history", "error", err)
		summary = &history.PerformanceSummary{}
	}

	limit := o.cfg.MaxConcurrent
	if o.governor != nil {
		limit = o.governor.Limit()
	}
	o.metrics.RecordConcurrencyLimit(ctx, int64(limit))

	stats := o.Stats()
	o.notifyEvent(ctx, notify.Event{
		Kind:  notify.KindHealth,
		Title: "Watcher healthy",
		Message: fmt.Sprintf(
			"Uptime %s, moved %d (%d bytes), failed %d, limit %d, cpu %.0f%%, mem %.0f%%",
			time.Since(stats.StartedAt).Round(time.Second),
			stats.Moved, stats.BytesMoved, stats.Failed, limit,
			sample.CPUPercent, sample.MemoryPercent),
	})
	slog.Info("Health summary",
		"moved", stats.Moved,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"bytes", stats.BytesMoved,
		"limit", limit,
		"history_operations", summary.Operations)
}

// checkInactivity raises an alert when no file has moved for too long. The
// alert fires once per quiet spell; the next success or reconnect rearms it.
func (o *Orchestrator) checkInactivity(ctx context.Context) {
	o.mu.Lock()
	last := o.lastActivity
	if last.IsZero() {
		last = o.stats.StartedAt
	}
	notified := o.inactivityNotified
	o.mu.Unlock()

	idle := time.Since(last)
	if notified || idle < o.cfg.InactivityThreshold() {
		return
	}

	o.mu.Lock()
	o.inactivityNotified = true
	o.mu.Unlock()

	o.notifyEvent(ctx, notify.Event{
		Kind:    notify.KindInactivity,
		Title:   "No recent activity",
		Message: fmt.Sprintf("No file has moved in %s", idle.Round(time.Second)),
		Level:   notify.LevelWarning,
	})
}

// notifyEvent delivers an event, logging delivery failures rather than
// propagating them into the loop.
func (o *Orchestrator) notifyEvent(ctx context.Context, event notify.Event) {
	if err := o.sink.Notify(ctx, event); err != nil {
		slog.Warn("Failed to deliver notification", "kind", event.Kind, "error", err)
	}
}

// recordHistory persists one outcome, logging persistence failures
func (o *Orchestrator) recordHistory(ctx context.Context, record history.OperationRecord) {
	if err := o.store.RecordOperation(ctx, record); err != nil {
		slog.Warn("Failed to persist operation record", "file", record.File, "error", err)
	}
}
