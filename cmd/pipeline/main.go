// Command pipeline runs one incremental extract-stage-load cycle of
// the CFPB complaint warehouse. An external scheduler invokes it;
// exit code 0 means full success (or nothing to do), 1 means at least
// one company failed to load, 2 means the run could not start.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/config"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/metrics"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/pipeline"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/source"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/staging"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/warehouse"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config/pipeline.yaml", "path to YAML config")
		reset      = flag.Bool("reset", false, "delete the watermark before running (full reload)")
		dbPath     = flag.String("db", "", "override the target database path")
		startFlag  = flag.String("start", "", "backfill range start (YYYY-MM-DD); requires -end, skips watermark")
		endFlag    = flag.String("end", "", "backfill range end (YYYY-MM-DD); requires -start, skips watermark")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 2
	}
	if *dbPath != "" {
		cfg.Warehouse.Path = *dbPath
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 2
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.Metrics)
	if m.IsEnabled() {
		go func() {
			if err := m.StartServer(cfg.Metrics.Address); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	marks, err := watermark.NewStore(cfg.Watermark, logger.Named("watermark"))
	if err != nil {
		logger.Error("failed to open watermark store", zap.Error(err))
		return 2
	}
	if *reset {
		if err := marks.Reset(); err != nil {
			logger.Error("failed to reset watermark", zap.Error(err))
			return 2
		}
	}

	client, err := source.NewClient(
		cfg.Source.BaseURL,
		cfg.Source.UserAgent,
		source.WithLogger(logger.Named("source")),
		source.WithRetryPolicy(cfg.Source.Retry.ToPolicy()),
		source.WithPageSize(cfg.Source.PageSize),
		source.WithMaxRecords(cfg.Source.MaxRecords),
		source.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
		}),
		source.WithRetryObserver(m.RecordRetry),
	)
	if err != nil {
		logger.Error("failed to build source client", zap.Error(err))
		return 2
	}

	stage, err := staging.NewStore(cfg.Staging, logger.Named("staging"))
	if err != nil {
		logger.Error("failed to open staging store", zap.Error(err))
		return 2
	}

	loader, err := warehouse.NewLoader(cfg.Warehouse, stage, logger.Named("warehouse"))
	if err != nil {
		logger.Error("failed to open warehouse", zap.Error(err))
		return 2
	}
	defer loader.Close()

	coord, err := pipeline.NewCoordinator(
		pipeline.RunConfig{
			Companies: cfg.Companies,
			StartDate: cfg.StartDate(),
			Workers:   cfg.Pipeline.Workers,
		},
		marks, client, stage, loader,
		logger.Named("pipeline"), m,
	)
	if err != nil {
		logger.Error("failed to build coordinator", zap.Error(err))
		return 2
	}

	report, err := executeRun(ctx, coord, *startFlag, *endFlag)
	if err != nil {
		logger.Error("pipeline run failed", zap.Error(err))
		return 2
	}

	if report.NoOp {
		return 0
	}
	if failed := report.Failed(); len(failed) > 0 {
		return 1
	}
	return 0
}

// executeRun dispatches between the normal watermark-driven run and an
// explicit backfill range, which never advances the watermark.
func executeRun(ctx context.Context, coord *pipeline.Coordinator, startFlag, endFlag string) (*pipeline.RunReport, error) {
	if startFlag == "" && endFlag == "" {
		return coord.Run(ctx)
	}
	if startFlag == "" || endFlag == "" {
		return nil, fmt.Errorf("-start and -end must be set together")
	}

	min, err := watermark.ParseDate(startFlag)
	if err != nil {
		return nil, fmt.Errorf("-start: %w", err)
	}
	max, err := watermark.ParseDate(endFlag)
	if err != nil {
		return nil, fmt.Errorf("-end: %w", err)
	}
	dr := watermark.DateRange{Min: min, Max: max}
	if dr.Empty() {
		return nil, fmt.Errorf("backfill range %s is empty", dr)
	}
	return coord.RunRange(ctx, dr, false)
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
