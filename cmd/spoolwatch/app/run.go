package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spoolwatch/spoolwatch/internal/config"
	"github.com/spoolwatch/spoolwatch/internal/governor"
	"github.com/spoolwatch/spoolwatch/internal/history"
	"github.com/spoolwatch/spoolwatch/internal/notify"
	"github.com/spoolwatch/spoolwatch/internal/orchestrator"
	"github.com/spoolwatch/spoolwatch/internal/scan"
	"github.com/spoolwatch/spoolwatch/internal/telemetry"
	"github.com/spoolwatch/spoolwatch/internal/transfer"
	"github.com/spoolwatch/spoolwatch/internal/versions"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the watch loop",
	Long: `Start watching the source directory and moving finished files.

The daemon requires a configuration file (--config) that specifies:
- Source and destination directories
- Stability window, scan interval, and concurrency ceiling
- Checksum verification, bandwidth limit, and dry-run mode
- Notification and telemetry settings`,
	RunE: runWatch,
}

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("config", runCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
	}

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
	}
}

func runWatch(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info := versions.GetVersionInfo()
	slog.Info("Starting spoolwatch", "version", info.Version, "commit", info.Commit)

	configPath := viper.GetString("config")
	cfg, err := config.Load(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"source", cfg.SourceDir,
		"destination", cfg.DestinationDir,
		"max_concurrent", cfg.MaxConcurrent,
		"dry_run", cfg.DryRun)

	meterOpts := []telemetry.MeterProviderOption{
		telemetry.WithMeterServiceVersion(info.Version),
	}
	if cfg.Telemetry != nil {
		meterOpts = append(meterOpts,
			telemetry.WithMeterEnabled(cfg.Telemetry.Enabled),
			telemetry.WithMeterServiceName(cfg.Telemetry.GetServiceName()),
			telemetry.WithMeterEndpoint(cfg.Telemetry.GetEndpoint()),
			telemetry.WithMeterInsecure(cfg.Telemetry.Insecure),
		)
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, meterOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetry.ShutdownMeterProvider(context.Background(), meterProvider); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	metrics, err := telemetry.NewTransferMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create transfer metrics: %w", err)
	}

	detector, err := scan.New(cfg.SourceDir, cfg.StabilityWait(), cfg.FileFilter)
	if err != nil {
		return fmt.Errorf("failed to create stability detector: %w", err)
	}

	gov := governor.New(cfg.MaxConcurrent, governor.NewSystemSampler())

	engine := transfer.NewEngine(
		transfer.WithGate(gov),
		transfer.WithDryRun(cfg.DryRun),
		transfer.WithChecksumVerification(cfg.VerifyChecksum),
		transfer.WithBandwidthLimit(cfg.MaxBandwidthBytes),
	)

	store := history.NewNoopStore()
	if cfg.MetricsFile != "" {
		store = history.NewFileStore(cfg.MetricsFile)
	}

	orch := orchestrator.New(cfg, detector, engine,
		orchestrator.WithGovernor(gov),
		orchestrator.WithNotifier(notify.NewFromConfig(cfg)),
		orchestrator.WithHistory(store),
		orchestrator.WithMetrics(metrics),
	)

	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("watch loop failed: %w", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
