package pipeline

import (
	"time"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

// Status is the terminal state of one company within a run.
type Status string

const (
	// StatusLoaded means the company's range was fetched, staged, and
	// merged. A day with no records counts as loaded.
	StatusLoaded Status = "loaded"

	// StatusFailed means the company failed in some phase; the cause is
	// recorded and the watermark is not advanced.
	StatusFailed Status = "failed"
)

// Phase names the pipeline stage a failure occurred in.
type Phase string

const (
	PhaseExtract Phase = "extract"
	PhaseStage   Phase = "stage"
	PhaseLoad    Phase = "load"
)

// WatermarkAction records what the run did to the watermark.
type WatermarkAction string

const (
	// WatermarkAdvanced: every company loaded, watermark moved to the
	// range maximum.
	WatermarkAdvanced WatermarkAction = "advanced"

	// WatermarkUnchanged: at least one company failed, or the run was
	// an explicit backfill; the previous watermark stands.
	WatermarkUnchanged WatermarkAction = "unchanged"

	// WatermarkNoop: the run had nothing to do (already current).
	WatermarkNoop WatermarkAction = "noop"
)

// CompanyResult is the per-entity portion of the run report.
type CompanyResult struct {
	Company      string
	Status       Status
	FailedPhase  Phase
	RowsFetched  int
	RowsLoaded   int64
	StagedPath   string
	Err          error
}

// RunReport is the terminal report for one pipeline run: enough
// context to act on any failure without consulting anything else.
type RunReport struct {
	Range     watermark.DateRange
	NoOp      bool
	Companies []CompanyResult
	Watermark WatermarkAction
	Duration  time.Duration
}

// Attempted returns the number of companies processed.
func (r *RunReport) Attempted() int { return len(r.Companies) }

// Succeeded returns the number of companies that loaded.
func (r *RunReport) Succeeded() int {
	n := 0
	for _, c := range r.Companies {
		if c.Status == StatusLoaded {
			n++
		}
	}
	return n
}

// Failed returns the failed company results.
func (r *RunReport) Failed() []CompanyResult {
	var out []CompanyResult
	for _, c := range r.Companies {
		if c.Status == StatusFailed {
			out = append(out, c)
		}
	}
	return out
}

// AllLoaded reports whether every company reached loaded.
func (r *RunReport) AllLoaded() bool {
	return len(r.Failed()) == 0
}
