// Package transfer performs safe, retried moves of single files: an exclusive
// sidecar lock, a copy-verify-rename-delete transaction, and exponential
// backoff between attempts.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// tempSuffix names the in-flight copy artifact next to the destination
	tempSuffix = ".tmp"

	defaultMaxAttempts       = 5
	defaultBackoffBase       = time.Second
	defaultBackoffMultiplier = 2.0

	// backoffJitter randomizes each delay by ±20% to avoid synchronized
	// retry storms across many files.
	backoffJitter = 0.2

	maxBackoffInterval = 5 * time.Minute
)

// Sentinel errors callers branch on to classify a terminal failure
var (
	// ErrLockHeld means another attempt, possibly in a cooperating
	// process, currently owns the source's lock marker.
	ErrLockHeld = errors.New("source lock already held")

	// ErrDestinationExists means the destination path is already occupied;
	// the engine never overwrites silently.
	ErrDestinationExists = errors.New("destination file already exists")

	// ErrChecksumMismatch means the copied bytes did not hash equal to the
	// source.
	ErrChecksumMismatch = errors.New("checksum mismatch between source and copy")
)

// Failure reason constants for logging and notification text
const (
	ReasonLockHeld          = "lock-held"
	ReasonDestinationExists = "destination-exists"
	ReasonChecksumMismatch  = "checksum-mismatch"
	ReasonCancelled         = "cancelled"
	ReasonIOError           = "io-error"
)

// FailureReason classifies a terminal transfer error
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrLockHeld):
		return ReasonLockHeld
	case errors.Is(err, ErrDestinationExists):
		return ReasonDestinationExists
	case errors.Is(err, ErrChecksumMismatch):
		return ReasonChecksumMismatch
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonIOError
	}
}

// Gate is the admission limiter a transfer passes through before its
// I/O-heavy work. The governor package provides the production
// implementation.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

// Engine moves single files with locking, verification, and retries
type Engine struct {
	gate Gate

	dryRun         bool
	verifyChecksum bool
	maxBandwidth   int64

	maxAttempts       uint
	backoffBase       time.Duration
	backoffMultiplier float64

	// afterCopy, when set, runs between copying and verification so tests
	// can tamper with the temp artifact.
	afterCopy func(tempPath string)
}

// Option is a function that configures the engine
type Option func(*Engine)

// WithGate routes every attempt's transactional move through an admission gate
func WithGate(gate Gate) Option {
	return func(e *Engine) {
		e.gate = gate
	}
}

// WithDryRun makes the engine log intended moves without touching the filesystem
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// WithChecksumVerification enables SHA-256 comparison before committing
func WithChecksumVerification(verify bool) Option {
	return func(e *Engine) {
		e.verifyChecksum = verify
	}
}

// WithBandwidthLimit caps copy throughput in bytes per second; 0 means unthrottled
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(e *Engine) {
		e.maxBandwidth = bytesPerSecond
	}
}

// WithMaxAttempts overrides the retry budget
func WithMaxAttempts(attempts uint) Option {
	return func(e *Engine) {
		e.maxAttempts = attempts
	}
}

// WithBackoff overrides the retry delay progression
func WithBackoff(base time.Duration, multiplier float64) Option {
	return func(e *Engine) {
		e.backoffBase = base
		e.backoffMultiplier = multiplier
	}
}

// NewEngine creates a transfer engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		maxAttempts:       defaultMaxAttempts,
		backoffBase:       defaultBackoffBase,
		backoffMultiplier: defaultBackoffMultiplier,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Transfer moves source to destination, retrying transient failures with
// jittered exponential backoff. Lock contention and an occupied destination
// terminate the operation immediately; the caller sees the terminal cause.
func (e *Engine) Transfer(ctx context.Context, source, destination string) error {
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			return struct{}{}, e.attempt(ctx, source, destination)
		},
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(e.maxAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			slog.Info("Transfer attempt failed, retrying",
				"source", source,
				"delay", delay,
				"error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to move %s: %w", source, err)
	}
	return nil
}

// newBackOff builds the jittered exponential delay schedule for one transfer
func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.backoffBase
	b.RandomizationFactor = backoffJitter
	b.Multiplier = e.backoffMultiplier
	b.MaxInterval = maxBackoffInterval
	return b
}

// attempt runs one locked transactional move. The lock is acquired and
// released per attempt so a failed file does not stay blocked across cycles.
func (e *Engine) attempt(ctx context.Context, source, destination string) error {
	lock, err := acquireLock(source)
	if err != nil {
		// Another holder is presumed active; retrying would just
		// contend again.
		return backoff.Permanent(err)
	}
	defer lock.Release()

	if e.gate != nil {
		if err := e.gate.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		defer e.gate.Release()
	}

	if err := e.move(ctx, source, destination); err != nil {
		if errors.Is(err, ErrDestinationExists) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// move runs the transactional sequence: copy to a temp artifact, optionally
// verify, atomically rename, then delete the source. Any failure removes the
// temp artifact and leaves the source untouched.
func (e *Engine) move(ctx context.Context, source, destination string) error {
	if e.dryRun {
		slog.Info("Dry run: would move file", "source", source, "destination", destination)
		return nil
	}

	if _, err := os.Lstat(destination); err == nil {
		return fmt.Errorf("%w: %s", ErrDestinationExists, destination)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to check destination: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	tempPath := destination + tempSuffix

	if err := e.copyToTemp(ctx, source, tempPath); err != nil {
		removeBestEffort(tempPath)
		return err
	}

	if e.afterCopy != nil {
		e.afterCopy(tempPath)
	}

	if e.verifyChecksum {
		if err := verifyCopy(source, tempPath); err != nil {
			removeBestEffort(tempPath)
			return err
		}
	}

	if err := os.Rename(tempPath, destination); err != nil {
		removeBestEffort(tempPath)
		return fmt.Errorf("failed to commit destination: %w", err)
	}

	// The destination is committed; only now may the source go away
	if err := os.Remove(source); err != nil {
		return fmt.Errorf("failed to remove source after commit: %w", err)
	}

	return nil
}

// copyToTemp copies the source's bytes into the temp artifact, throttled and
// flushed to disk before returning.
func (e *Engine) copyToTemp(ctx context.Context, source, tempPath string) error {
	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}

	if err := copyThrottled(ctx, dst, src, e.maxBandwidth); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to copy to temp artifact: %w", err)
	}

	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to flush temp artifact: %w", err)
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close temp artifact: %w", err)
	}

	return nil
}

// removeBestEffort deletes a path, logging rather than failing on error
func removeBestEffort(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to clean up temp artifact", "path", path, "error", err)
	}
}
