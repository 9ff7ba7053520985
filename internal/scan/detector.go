// Package scan discovers candidate files in the source directory and decides
// which of them have finished being written.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spoolwatch/spoolwatch/internal/config"
)

// defaultPollInterval is how often a candidate's size is re-sampled while
// waiting out the stability window.
const defaultPollInterval = 500 * time.Millisecond

// Candidate is a regular file discovered during a scan cycle. Candidates are
// ephemeral; a fresh set is produced every cycle.
type Candidate struct {
	// Path is the absolute path of the file
	Path string

	// Size is the file size at discovery time
	Size int64

	// ModTime orders candidates oldest-first for fair dispatch
	ModTime time.Time
}

// Detector finds the stable files in a source directory
type Detector struct {
	dir    string
	window time.Duration
	poll   time.Duration

	// match reports whether a filename passes the configured filter
	match func(name string) bool
}

// Option configures a Detector
type Option func(*Detector)

// WithPollInterval overrides the size-sampling interval
func WithPollInterval(interval time.Duration) Option {
	return func(d *Detector) {
		d.poll = interval
	}
}

// New creates a Detector for the given directory and stability window. The
// filter is either a filename suffix, or a regular expression when prefixed
// with "regex:"; an empty filter admits every file.
func New(dir string, window time.Duration, filter string, opts ...Option) (*Detector, error) {
	match, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		dir:    dir,
		window: window,
		poll:   defaultPollInterval,
		match:  match,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// compileFilter builds the filename predicate for a filter spec
func compileFilter(filter string) (func(string) bool, error) {
	if filter == "" {
		return func(string) bool { return true }, nil
	}

	if pattern, ok := strings.CutPrefix(filter, config.RegexFilterPrefix); ok {
		re, err := regexp.Compile(strings.TrimSpace(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid file filter regex: %w", err)
		}
		return re.MatchString, nil
	}

	return func(name string) bool {
		return strings.HasSuffix(name, filter)
	}, nil
}

// Stable returns this cycle's candidates that held a constant nonzero size
// across the stability window, ordered oldest-first. Candidates are checked
// concurrently, so the call takes roughly one stability window regardless of
// how many files are waiting.
func (d *Detector) Stable(ctx context.Context) ([]Candidate, error) {
	candidates, err := d.discover()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	verdicts := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdicts[i] = d.isStable(ctx, c)
		}()
	}
	wg.Wait()

	stable := make([]Candidate, 0, len(candidates))
	for i, c := range candidates {
		if verdicts[i] {
			stable = append(stable, c)
		}
	}

	slog.Debug("Scan complete",
		"dir", d.dir,
		"candidates", len(candidates),
		"stable", len(stable))

	return stable, nil
}

// discover lists the regular files matching the filter, oldest first
func (d *Detector) discover() ([]Candidate, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}

	candidates := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if !d.match(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// File vanished between listing and stat; it will be
			// picked up next cycle if it reappears.
			continue
		}

		candidates = append(candidates, Candidate{
			Path:    filepath.Join(d.dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ModTime.Before(candidates[j].ModTime)
	})

	return candidates, nil
}

// isStable polls a candidate's size until the window elapses with no change.
// Empty files, stat failures, and any observed growth all count as unstable;
// such files are silently retried on the next cycle.
func (d *Detector) isStable(ctx context.Context, c Candidate) bool {
	if c.Size == 0 {
		return false
	}

	deadline := time.Now().Add(d.window)
	timer := time.NewTimer(d.poll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}

		info, err := os.Stat(c.Path)
		if err != nil {
			return false
		}
		if info.Size() != c.Size {
			return false
		}

		if !time.Now().Before(deadline) {
			return true
		}
		timer.Reset(d.poll)
	}
}
