package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spoolwatch/spoolwatch/internal/config"
	"github.com/spoolwatch/spoolwatch/internal/history"
	"github.com/spoolwatch/spoolwatch/internal/notify"
	"github.com/spoolwatch/spoolwatch/internal/scan"
	"github.com/spoolwatch/spoolwatch/internal/transfer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SourceDir:                  t.TempDir(),
		DestinationDir:             filepath.Join(t.TempDir(), "dest"),
		StabilityWaitSeconds:       1,
		ScanIntervalSeconds:        1,
		InactivityThresholdMinutes: 1,
		MaxConcurrent:              4,
	}
}

type fakeDetector struct {
	mu         sync.Mutex
	candidates []scan.Candidate
	err        error
}

func (f *fakeDetector) Stable(_ context.Context) ([]scan.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]scan.Candidate, len(f.candidates))
	copy(out, f.candidates)
	return out, nil
}

type fakeEngine struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, source, destination string) error
	calls []string
}

func (f *fakeEngine) Transfer(ctx context.Context, source, destination string) error {
	f.mu.Lock()
	f.calls = append(f.calls, source)
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, source, destination)
	}
	return nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(_ context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recordingSink) hasKind(kind string) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type recordingStore struct {
	mu      sync.Mutex
	records []history.OperationRecord
	samples []history.SystemSample
}

func (r *recordingStore) RecordOperation(_ context.Context, record history.OperationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *recordingStore) RecordSample(_ context.Context, sample history.SystemSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
	return nil
}

func (r *recordingStore) Summary(_ context.Context) (*history.PerformanceSummary, error) {
	return &history.PerformanceSummary{}, nil
}

func TestCycle_MovesStableFiles(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	detector := &fakeDetector{candidates: []scan.Candidate{
		{Path: filepath.Join(cfg.SourceDir, "a.dat"), Size: 100},
		{Path: filepath.Join(cfg.SourceDir, "b.dat"), Size: 200},
	}}
	engine := &fakeEngine{}
	sink := &recordingSink{}
	store := &recordingStore{}

	o := New(cfg, detector, engine, WithNotifier(sink), WithHistory(store))
	o.mu.Lock()
	o.stats.StartedAt = time.Now()
	o.mu.Unlock()

	o.cycle(context.Background())

	assert.Equal(t, 2, engine.callCount())

	stats := o.Stats()
	assert.Equal(t, int64(2), stats.Moved)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(300), stats.BytesMoved)
	assert.False(t, stats.LastSuccess.IsZero())

	require.Len(t, store.records, 2)
	assert.Equal(t, history.OutcomeMoved, store.records[0].Outcome)
	assert.False(t, sink.hasKind(notify.KindTransferFail))
}

func TestCycle_ClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	detector := &fakeDetector{candidates: []scan.Candidate{
		{Path: filepath.Join(cfg.SourceDir, "locked.dat"), Size: 10},
		{Path: filepath.Join(cfg.SourceDir, "broken.dat"), Size: 10},
		{Path: filepath.Join(cfg.SourceDir, "good.dat"), Size: 10},
	}}
	engine := &fakeEngine{fn: func(_ context.Context, source, _ string) error {
		switch filepath.Base(source) {
		case "locked.dat":
			return transfer.ErrLockHeld
		case "broken.dat":
			return errors.New("disk on fire")
		}
		return nil
	}}
	sink := &recordingSink{}
	store := &recordingStore{}

	o := New(cfg, detector, engine, WithNotifier(sink), WithHistory(store))
	o.mu.Lock()
	o.stats.StartedAt = time.Now()
	o.mu.Unlock()

	o.cycle(context.Background())

	stats := o.Stats()
	assert.Equal(t, int64(1), stats.Moved)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Skipped)

	// Only the real failure raises an alert; lock contention does not
	assert.True(t, sink.hasKind(notify.KindTransferFail))

	outcomes := map[history.Outcome]int{}
	for _, r := range store.records {
		outcomes[r.Outcome]++
	}
	assert.Equal(t, 1, outcomes[history.OutcomeMoved])
	assert.Equal(t, 1, outcomes[history.OutcomeFailed])
	assert.Equal(t, 1, outcomes[history.OutcomeSkipped])
}

func TestCycle_ScanErrorIsIsolated(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	detector := &fakeDetector{err: errors.New("read failed")}
	engine := &fakeEngine{}

	o := New(cfg, detector, engine)
	o.cycle(context.Background())

	assert.Equal(t, 0, engine.callCount())
	assert.Equal(t, int64(0), o.Stats().Failed)
}

func TestCheckSource_DisconnectAndReconnect(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	missing := filepath.Join(cfg.SourceDir, "gone")
	cfg.SourceDir = missing

	sink := &recordingSink{}
	o := New(cfg, &fakeDetector{}, &fakeEngine{}, WithNotifier(sink))

	ctx := context.Background()

	// First failed check announces the disconnect
	assert.False(t, o.checkSource(ctx))
	assert.Equal(t, []string{notify.KindDisconnect}, sink.kinds())

	// Attempts 2 through 9 stay quiet, the 10th alerts again
	for i := 0; i < 9; i++ {
		assert.False(t, o.checkSource(ctx))
	}
	assert.Equal(t, []string{notify.KindDisconnect, notify.KindDisconnect}, sink.kinds())

	// Recovery announces the reconnect and resets the counter
	require.NoError(t, os.MkdirAll(missing, 0o750))
	assert.True(t, o.checkSource(ctx))
	assert.True(t, sink.hasKind(notify.KindReconnect))

	assert.True(t, o.checkSource(ctx))
	assert.Equal(t, 1, countKind(sink, notify.KindReconnect))
}

func countKind(sink *recordingSink, kind string) int {
	n := 0
	for _, k := range sink.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func TestCycle_InactivityAlertFiresOncePerQuietSpell(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sink := &recordingSink{}
	detector := &fakeDetector{}
	o := New(cfg, detector, &fakeEngine{}, WithNotifier(sink))

	o.mu.Lock()
	o.stats.StartedAt = time.Now().Add(-2 * time.Minute)
	o.mu.Unlock()

	// The alert covers the whole quiet spell, not every scan in it
	for i := 0; i < 3; i++ {
		o.cycle(context.Background())
	}
	assert.Equal(t, 1, countKind(sink, notify.KindInactivity))

	// A successful move ends the spell and rearms the alert
	detector.mu.Lock()
	detector.candidates = []scan.Candidate{{Path: filepath.Join(cfg.SourceDir, "late.dat"), Size: 1}}
	detector.mu.Unlock()
	o.cycle(context.Background())

	detector.mu.Lock()
	detector.candidates = nil
	detector.mu.Unlock()
	o.cycle(context.Background())
	assert.Equal(t, 1, countKind(sink, notify.KindInactivity))

	// Once the rearmed threshold lapses, exactly one more alert fires
	o.mu.Lock()
	o.lastActivity = time.Now().Add(-2 * time.Minute)
	o.mu.Unlock()
	o.cycle(context.Background())
	o.cycle(context.Background())
	assert.Equal(t, 2, countKind(sink, notify.KindInactivity))
}

func TestCycle_HealthSummary(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.HealthIntervalSeconds = 1
	require.NoError(t, os.MkdirAll(cfg.DestinationDir, 0o750))

	sink := &recordingSink{}
	store := &recordingStore{}
	o := New(cfg, &fakeDetector{}, &fakeEngine{}, WithNotifier(sink), WithHistory(store))

	o.mu.Lock()
	o.stats.StartedAt = time.Now()
	o.lastHealth = time.Now().Add(-time.Minute)
	o.mu.Unlock()

	o.cycle(context.Background())

	assert.True(t, sink.hasKind(notify.KindHealth))
	assert.Len(t, store.samples, 1)
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	content := make([]byte, 1000)
	source := filepath.Join(cfg.SourceDir, "video.mp4")
	require.NoError(t, os.WriteFile(source, content, 0o600))

	detector, err := scan.New(cfg.SourceDir, 100*time.Millisecond, "",
		scan.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	engine := transfer.NewEngine(transfer.WithChecksumVerification(true))
	sink := &recordingSink{}

	o := New(cfg, detector, engine, WithNotifier(sink))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	destination := filepath.Join(cfg.DestinationDir, "video.mp4")
	require.Eventually(t, func() bool {
		_, err := os.Stat(destination)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	assert.Equal(t, StateStopped, o.State())

	stats := o.Stats()
	assert.Equal(t, int64(1), stats.Moved)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(1000), stats.BytesMoved)

	assert.NoFileExists(t, source)
	assert.True(t, sink.hasKind(notify.KindStartup))
	assert.True(t, sink.hasKind(notify.KindShutdown))
}

func TestRun_GracePeriodAbandonsStuckTransfers(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, "stuck.dat"), []byte("x"), 0o600))

	detector := &fakeDetector{candidates: []scan.Candidate{
		{Path: filepath.Join(cfg.SourceDir, "stuck.dat"), Size: 1},
	}}

	released := make(chan struct{})
	engine := &fakeEngine{fn: func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		close(released)
		return ctx.Err()
	}}

	o := New(cfg, detector, engine, WithGracePeriod(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Wait until the stuck transfer is in flight, then request shutdown
	require.Eventually(t, func() bool { return engine.callCount() > 0 },
		2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown exceeded the grace period by far")
	}

	// The abandoned task saw its context cancelled
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("in-flight transfer context was never cancelled")
	}
}

func TestRun_ShutdownDoesNotWaitOnWedgedTransfer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	detector := &fakeDetector{candidates: []scan.Candidate{
		{Path: filepath.Join(cfg.SourceDir, "wedged.dat"), Size: 1},
	}}

	// A copy stuck in an uninterruptible syscall never observes
	// cancellation; shutdown must still complete.
	blocker := make(chan struct{})
	t.Cleanup(func() { close(blocker) })
	engine := &fakeEngine{fn: func(_ context.Context, _, _ string) error {
		<-blocker
		return nil
	}}

	o := New(cfg, detector, engine, WithGracePeriod(50*time.Millisecond))
	o.abandon = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return engine.callCount() > 0 },
		2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked on a transfer that never unwinds")
	}
	assert.Equal(t, StateStopped, o.State())
}

func TestRecordOutcome_DeadlineExceededIsNotAFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sink := &recordingSink{}
	store := &recordingStore{}
	detector := &fakeDetector{candidates: []scan.Candidate{
		{Path: filepath.Join(cfg.SourceDir, "slow.dat"), Size: 1},
	}}
	engine := &fakeEngine{fn: func(_ context.Context, _, _ string) error {
		return fmt.Errorf("copy: %w", context.DeadlineExceeded)
	}}

	o := New(cfg, detector, engine, WithNotifier(sink), WithHistory(store))
	o.mu.Lock()
	o.stats.StartedAt = time.Now()
	o.mu.Unlock()

	o.cycle(context.Background())

	// A timed-out transfer is a cancellation, not a failure
	stats := o.Stats()
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(0), stats.Moved)
	assert.False(t, sink.hasKind(notify.KindTransferFail))
	assert.Empty(t, store.records)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "ShuttingDown", StateShuttingDown.String())
	assert.Equal(t, "Stopped", StateStopped.String())
	assert.Equal(t, "Unknown", State(42).String())
}
