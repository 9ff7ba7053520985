// Package notify delivers operational events to one or more sinks: the
// structured log always, and Pushover when credentials are configured.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Level indicates how urgent an event is
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// Event is a single operational notification. Kind groups related events for
// rate limiting, so a flood of one alert cannot drown out the others.
type Event struct {
	Kind    string
	Title   string
	Message string
	Level   Level
}

// Well-known event kinds
const (
	KindStartup      = "startup"
	KindShutdown     = "shutdown"
	KindHealth       = "health"
	KindInactivity   = "inactivity"
	KindDisconnect   = "disconnect"
	KindReconnect    = "reconnect"
	KindTransferFail = "transfer-failure"
)

// Sink delivers events to some destination
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// logSink writes every event to the structured log
type logSink struct{}

// NewLogSink creates a sink backed by the process logger
func NewLogSink() Sink {
	return &logSink{}
}

func (*logSink) Notify(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	switch event.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}

	slog.LogAttrs(ctx, level, event.Message,
		slog.String("kind", event.Kind),
		slog.String("title", event.Title))
	return nil
}

// multiSink fans an event out to all sinks and reports every failure
type multiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; delivery failures are joined, not short-circuited
func NewMultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
