package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gregdel/pushover"
	"golang.org/x/time/rate"

	"github.com/spoolwatch/spoolwatch/internal/config"
)

// pushoverAPI abstracts the Pushover client for testing
type pushoverAPI interface {
	SendMessage(message *pushover.Message, recipient *pushover.Recipient) (*pushover.Response, error)
}

// pushoverSink delivers events through the Pushover API, throttled per event
// kind so repeated alerts collapse into one delivery per interval.
type pushoverSink struct {
	app       pushoverAPI
	recipient *pushover.Recipient
	device    string

	interval time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPushoverSink creates a Pushover-backed sink. A non-positive rate limit
// disables throttling.
func NewPushoverSink(cfg *config.PushoverConfig, rateLimit time.Duration) Sink {
	return &pushoverSink{
		app:       pushover.New(cfg.AppToken),
		recipient: pushover.NewRecipient(cfg.UserKey),
		device:    strings.Join(cfg.Devices, ","),
		interval:  rateLimit,
		limiters:  map[string]*rate.Limiter{},
	}
}

func (p *pushoverSink) Notify(_ context.Context, event Event) error {
	if !p.allow(event.Kind) {
		slog.Debug("Suppressed notification inside rate-limit window", "kind", event.Kind)
		return nil
	}

	msg := pushover.NewMessageWithTitle(event.Message, event.Title)
	msg.DeviceName = p.device
	msg.Timestamp = time.Now().Unix()
	if event.Level == LevelError {
		msg.Priority = pushover.PriorityHigh
	}

	if _, err := p.app.SendMessage(msg, p.recipient); err != nil {
		return fmt.Errorf("failed to send pushover notification: %w", err)
	}
	return nil
}

// allow reports whether an event of this kind may be delivered now
func (p *pushoverSink) allow(kind string) bool {
	if p.interval <= 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, ok := p.limiters[kind]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[kind] = limiter
	}
	return limiter.Allow()
}

// NewFromConfig builds the delivery chain: the log sink always, Pushover when
// credentials are present.
func NewFromConfig(cfg *config.Config) Sink {
	sinks := []Sink{NewLogSink()}

	if cfg.Notifications != nil && cfg.Notifications.Pushover != nil {
		rateLimit := time.Duration(cfg.Notifications.RateLimitSeconds) * time.Second
		sinks = append(sinks, NewPushoverSink(cfg.Notifications.Pushover, rateLimit))
	}

	return NewMultiSink(sinks...)
}
