// Package pipeline orchestrates one incremental run: derive the date
// range from the watermark, extract→stage→load each configured
// company independently, and advance the watermark only if every
// company succeeded. A partially failed run leaves the watermark
// untouched, so the next invocation retries the same (or wider) range
// against an idempotent merge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/complaint"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/metrics"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/source"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/warehouse"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

// Fetcher pulls all records for one date range and company filter.
type Fetcher interface {
	Fetch(ctx context.Context, dr watermark.DateRange, company string) ([]complaint.Record, error)
}

// Stager persists a fetched batch to durable staging.
type Stager interface {
	Write(records []complaint.Record, company string, dr watermark.DateRange) (string, error)
}

// Loader merges a staged batch into the target table.
type Loader interface {
	Load(ctx context.Context, path string) (warehouse.LoadResult, error)
}

// WatermarkStore derives ranges and persists run progress.
type WatermarkStore interface {
	NextLoadRange(start watermark.Date) (watermark.DateRange, error)
	Update(d watermark.Date) error
}

// RunConfig is the explicit per-run configuration handed to the
// coordinator at construction; there is no process-global state.
type RunConfig struct {
	// Companies is the ordered set of entity filters to process
	// independently.
	Companies []string

	// StartDate bounds the first-ever run (no watermark).
	StartDate watermark.Date

	// Workers is the number of companies processed concurrently.
	// Values below 2 mean sequential processing.
	Workers int
}

// Coordinator runs the incremental extract-stage-load cycle.
type Coordinator struct {
	cfg     RunConfig
	marks   WatermarkStore
	fetcher Fetcher
	stager  Stager
	loader  Loader
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(
	cfg RunConfig,
	marks WatermarkStore,
	fetcher Fetcher,
	stager Stager,
	loader Loader,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*Coordinator, error) {
	if len(cfg.Companies) == 0 {
		return nil, errors.New("at least one company must be configured")
	}
	if cfg.StartDate.IsZero() {
		return nil, errors.New("start date is required")
	}
	if m == nil {
		m = metrics.New(metrics.Config{})
	}
	return &Coordinator{
		cfg:     cfg,
		marks:   marks,
		fetcher: fetcher,
		stager:  stager,
		loader:  loader,
		logger:  logger,
		metrics: m,
	}, nil
}

// Run executes one watermark-driven incremental run. The returned
// error is reserved for coordinator-level faults (watermark I/O,
// invalid range); per-company failures are reported, not returned.
func (c *Coordinator) Run(ctx context.Context) (*RunReport, error) {
	dr, err := c.marks.NextLoadRange(c.cfg.StartDate)
	if err != nil {
		return nil, fmt.Errorf("failed to compute load range: %w", err)
	}
	return c.RunRange(ctx, dr, true)
}

// RunRange executes one run over an explicit range. advanceWatermark
// is false for backfills, which must never move the incremental
// cursor.
func (c *Coordinator) RunRange(ctx context.Context, dr watermark.DateRange, advanceWatermark bool) (*RunReport, error) {
	start := time.Now()

	if dr.Empty() {
		c.logger.Info("already up to date, nothing to load",
			zap.String("range", dr.String()))
		return &RunReport{Range: dr, NoOp: true, Watermark: WatermarkNoop}, nil
	}

	c.logger.Info("starting pipeline run",
		zap.String("range", dr.String()),
		zap.Int("companies", len(c.cfg.Companies)),
		zap.Int("workers", c.cfg.Workers))

	results := c.processCompanies(ctx, dr)

	report := &RunReport{
		Range:     dr,
		Companies: results,
		Watermark: WatermarkUnchanged,
		Duration:  time.Since(start),
	}

	if report.AllLoaded() && advanceWatermark {
		if err := c.marks.Update(dr.Max); err != nil {
			return report, fmt.Errorf("all companies loaded but watermark update failed: %w", err)
		}
		report.Watermark = WatermarkAdvanced
		c.metrics.SetWatermark(dr.Max)
	}

	c.metrics.RecordRunDuration(report.Duration)
	c.logReport(report)
	return report, nil
}

// processCompanies runs each company's extract→stage→load pipeline,
// sequentially or across a bounded worker pool. Companies share no
// mutable state; results land in their configured slot.
func (c *Coordinator) processCompanies(ctx context.Context, dr watermark.DateRange) []CompanyResult {
	results := make([]CompanyResult, len(c.cfg.Companies))

	workers := c.cfg.Workers
	if workers < 2 {
		for i, company := range c.cfg.Companies {
			results[i] = c.processCompany(ctx, dr, company)
		}
		return results
	}
	if workers > len(c.cfg.Companies) {
		workers = len(c.cfg.Companies)
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = c.processCompany(ctx, dr, c.cfg.Companies[i])
			}
		}()
	}
	for i := range c.cfg.Companies {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	return results
}

// processCompany is the strict per-entity pipeline: extract fully,
// then stage, then load. Any failure is captured with its phase and
// never propagates to sibling companies.
func (c *Coordinator) processCompany(ctx context.Context, dr watermark.DateRange, company string) CompanyResult {
	logger := c.logger.With(
		zap.String("company", company),
		zap.String("range", dr.String()))

	res := CompanyResult{Company: company}

	records, err := c.fetcher.Fetch(ctx, dr, company)
	if err != nil {
		logger.Error("extract failed", zap.Error(err))
		c.metrics.RecordFailure(string(PhaseExtract))
		res.Status = StatusFailed
		res.FailedPhase = PhaseExtract
		res.Err = err
		return res
	}
	res.RowsFetched = len(records)
	c.metrics.RecordFetched(company, len(records))

	path, err := c.stager.Write(records, company, dr)
	if err != nil {
		logger.Error("staging failed", zap.Error(err))
		c.metrics.RecordFailure(string(PhaseStage))
		res.Status = StatusFailed
		res.FailedPhase = PhaseStage
		res.Err = err
		return res
	}
	res.StagedPath = path

	loaded, err := c.loader.Load(ctx, path)
	if err != nil {
		logger.Error("load failed", zap.Error(err))
		c.metrics.RecordFailure(string(PhaseLoad))
		res.Status = StatusFailed
		res.FailedPhase = PhaseLoad
		res.Err = err
		return res
	}
	res.RowsLoaded = loaded.RowsLoaded
	c.metrics.RecordLoaded(company, loaded.RowsLoaded)

	res.Status = StatusLoaded
	logger.Info("company loaded",
		zap.Int("rows_fetched", res.RowsFetched),
		zap.Int64("rows_loaded", res.RowsLoaded))
	return res
}

func (c *Coordinator) logReport(r *RunReport) {
	fields := []zap.Field{
		zap.String("range", r.Range.String()),
		zap.Int("attempted", r.Attempted()),
		zap.Int("succeeded", r.Succeeded()),
		zap.String("watermark", string(r.Watermark)),
		zap.Duration("duration", r.Duration),
	}
	if failed := r.Failed(); len(failed) > 0 {
		for _, f := range failed {
			c.logger.Error("company failed",
				zap.String("company", f.Company),
				zap.String("phase", string(f.FailedPhase)),
				zap.Error(f.Err))
		}
		c.logger.Warn("pipeline run finished with failures, watermark unchanged", fields...)
		return
	}
	c.logger.Info("pipeline run finished", fields...)
}

// Classify maps an error to the source taxonomy for reporting.
func Classify(err error) string {
	var transient *source.TransientError
	var permanent *source.PermanentError
	var parse *source.ParseError
	switch {
	case errors.As(err, &transient):
		return "transient"
	case errors.As(err, &permanent):
		return "permanent"
	case errors.As(err, &parse):
		return "parse"
	default:
		return "other"
	}
}
