package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewTransferMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewTransferMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		mp := sdkmetric.NewMeterProvider()
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewTransferMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)
		assert.NotNil(t, metrics.transfersTotal)
		assert.NotNil(t, metrics.bytesMoved)
		assert.NotNil(t, metrics.transferDuration)
		assert.NotNil(t, metrics.concurrencyLimit)
	})
}

func TestTransferMetrics_RecordTransfer(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *TransferMetrics
		// Should not panic
		metrics.RecordTransfer(context.Background(), time.Second, 100, true, "")
		metrics.RecordConcurrencyLimit(context.Background(), 4)
	})

	t.Run("records counters and histogram", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewTransferMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)

		ctx := context.Background()
		metrics.RecordTransfer(ctx, 2*time.Second, 4096, true, "")
		metrics.RecordTransfer(ctx, time.Second, 0, false, "checksum-mismatch")

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(ctx, &rm))
		require.Len(t, rm.ScopeMetrics, 1)

		byName := map[string]metricdata.Metrics{}
		for _, m := range rm.ScopeMetrics[0].Metrics {
			byName[m.Name] = m
		}

		transfers, ok := byName["spoolwatch_transfers_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		var total int64
		for _, dp := range transfers.DataPoints {
			total += dp.Value
		}
		assert.Equal(t, int64(2), total)

		bytes, ok := byName["spoolwatch_bytes_moved_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, bytes.DataPoints, 1)
		// Only the successful transfer contributes bytes
		assert.Equal(t, int64(4096), bytes.DataPoints[0].Value)
	})

	t.Run("records concurrency limit gauge", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewTransferMetrics(mp)
		require.NoError(t, err)

		ctx := context.Background()
		metrics.RecordConcurrencyLimit(ctx, 3)

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(ctx, &rm))
		require.Len(t, rm.ScopeMetrics, 1)

		for _, m := range rm.ScopeMetrics[0].Metrics {
			if m.Name != "spoolwatch_concurrency_limit" {
				continue
			}
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok)
			require.Len(t, gauge.DataPoints, 1)
			assert.Equal(t, int64(3), gauge.DataPoints[0].Value)
			return
		}
		t.Fatal("concurrency limit gauge not collected")
	})
}

func TestNewMeterProvider_Disabled(t *testing.T) {
	t.Parallel()

	provider, err := NewMeterProvider(context.Background(), WithMeterEnabled(false))
	require.NoError(t, err)
	require.NotNil(t, provider)

	// A no-op provider shuts down trivially
	assert.NoError(t, ShutdownMeterProvider(context.Background(), provider))
}

func TestConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		cfg := &Config{}
		assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
		assert.Equal(t, DefaultEndpoint, cfg.GetEndpoint())
		assert.NoError(t, cfg.Validate())
	})

	t.Run("nil is valid", func(t *testing.T) {
		t.Parallel()

		var cfg *Config
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects endpoint with spaces", func(t *testing.T) {
		t.Parallel()

		cfg := &Config{Enabled: true, Endpoint: "bad endpoint:4318"}
		assert.Error(t, cfg.Validate())
	})
}
