// Package history persists transfer outcomes and system samples to a local
// JSON file and answers aggregate questions about them.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RetentionPeriod bounds how far back records are kept
const RetentionPeriod = 30 * 24 * time.Hour

// Store records transfer outcomes and system samples
type Store interface {
	// RecordOperation appends one finished transfer outcome
	RecordOperation(ctx context.Context, record OperationRecord) error

	// RecordSample appends one host resource reading
	RecordSample(ctx context.Context, sample SystemSample) error

	// Summary aggregates the retained operations
	Summary(ctx context.Context) (*PerformanceSummary, error)
}

// historyFile is the on-disk layout
type historyFile struct {
	Operations []OperationRecord `json:"operations"`
	Samples    []SystemSample    `json:"samples"`
}

// fileStore implements Store using a single local JSON file
type fileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore creates a file-backed store at path. The parent directory is
// created on first write.
func NewFileStore(path string) Store {
	return &fileStore{
		path: path,
		now:  time.Now,
	}
}

func (f *fileStore) RecordOperation(_ context.Context, record OperationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}

	data.Operations = append(data.Operations, record)
	f.prune(data)

	return f.save(data)
}

func (f *fileStore) RecordSample(_ context.Context, sample SystemSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}

	data.Samples = append(data.Samples, sample)
	f.prune(data)

	return f.save(data)
}

func (f *fileStore) Summary(_ context.Context) (*PerformanceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return nil, err
	}

	return summarize(data.Operations), nil
}

// load reads the history file; a missing file means an empty history
func (f *fileStore) load() (*historyFile, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &historyFile{}, nil
		}
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var data historyFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history data: %w", err)
	}

	return &data, nil
}

// save writes the history atomically through a temp file and rename
func (f *fileStore) save(data *historyFile) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history data: %w", err)
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary history file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename history file: %w", err)
	}

	return nil
}

// prune drops records older than the retention period
func (f *fileStore) prune(data *historyFile) {
	cutoff := f.now().Add(-RetentionPeriod)

	kept := data.Operations[:0]
	for _, op := range data.Operations {
		if op.Time.After(cutoff) {
			kept = append(kept, op)
		}
	}
	data.Operations = kept

	samples := data.Samples[:0]
	for _, s := range data.Samples {
		if s.Time.After(cutoff) {
			samples = append(samples, s)
		}
	}
	data.Samples = samples
}

func summarize(operations []OperationRecord) *PerformanceSummary {
	summary := &PerformanceSummary{Operations: len(operations)}

	var movedSeconds float64
	for i, op := range operations {
		if i == 0 || op.Time.Before(*summary.Oldest) {
			t := op.Time
			summary.Oldest = &t
		}

		switch op.Outcome {
		case OutcomeMoved:
			summary.Moved++
			summary.BytesMoved += op.Bytes
			movedSeconds += op.DurationSeconds
		case OutcomeFailed:
			summary.Failed++
		case OutcomeSkipped:
			summary.Skipped++
		}
	}

	if summary.Moved > 0 {
		summary.AverageSeconds = movedSeconds / float64(summary.Moved)
	}
	if movedSeconds > 0 {
		summary.ThroughputBytesPerSecond = float64(summary.BytesMoved) / movedSeconds
	}

	return summary
}

// noopStore discards everything; used when no metrics file is configured
type noopStore struct{}

// NewNoopStore creates a store that keeps nothing
func NewNoopStore() Store {
	return noopStore{}
}

func (noopStore) RecordOperation(context.Context, OperationRecord) error { return nil }
func (noopStore) RecordSample(context.Context, SystemSample) error      { return nil }
func (noopStore) Summary(context.Context) (*PerformanceSummary, error) {
	return &PerformanceSummary{}, nil
}
