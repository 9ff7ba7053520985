package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TransferMetricsMeterName is the name used for the transfer metrics meter
const TransferMetricsMeterName = "github.com/spoolwatch/spoolwatch/transfer"

// TransferMetrics holds the OpenTelemetry instruments for file transfer metrics
type TransferMetrics struct {
	transfersTotal   metric.Int64Counter
	bytesMoved       metric.Int64Counter
	transferDuration metric.Float64Histogram
	concurrencyLimit metric.Int64Gauge
}

// NewTransferMetrics creates a new TransferMetrics instance with the given
// meter provider. If provider is nil, it returns nil (no-op metrics).
func NewTransferMetrics(provider metric.MeterProvider) (*TransferMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(TransferMetricsMeterName)

	transfersTotal, err := meter.Int64Counter(
		"spoolwatch_transfers_total",
		metric.WithDescription("Number of completed transfer operations"),
		metric.WithUnit("{transfer}"),
	)
	if err != nil {
		return nil, err
	}

	bytesMoved, err := meter.Int64Counter(
		"spoolwatch_bytes_moved_total",
		metric.WithDescription("Bytes successfully moved to the destination"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	transferDuration, err := meter.Float64Histogram(
		"spoolwatch_transfer_duration_seconds",
		metric.WithDescription("Duration of transfer operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	concurrencyLimit, err := meter.Int64Gauge(
		"spoolwatch_concurrency_limit",
		metric.WithDescription("Current admission limit for concurrent transfers"),
		metric.WithUnit("{transfer}"),
	)
	if err != nil {
		return nil, err
	}

	return &TransferMetrics{
		transfersTotal:   transfersTotal,
		bytesMoved:       bytesMoved,
		transferDuration: transferDuration,
		concurrencyLimit: concurrencyLimit,
	}, nil
}

// RecordTransfer records one finished transfer operation
func (m *TransferMetrics) RecordTransfer(ctx context.Context, duration time.Duration, bytes int64, success bool, reason string) {
	if m == nil || m.transfersTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}

	m.transfersTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.transferDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if success {
		m.bytesMoved.Add(ctx, bytes)
	}
}

// RecordConcurrencyLimit records the governor's current admission limit
func (m *TransferMetrics) RecordConcurrencyLimit(ctx context.Context, limit int64) {
	if m == nil || m.concurrencyLimit == nil {
		return
	}

	m.concurrencyLimit.Record(ctx, limit)
}
