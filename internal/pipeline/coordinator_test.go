package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/complaint"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/source"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/warehouse"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

func mustDate(t *testing.T, s string) watermark.Date {
	t.Helper()
	d, err := watermark.ParseDate(s)
	require.NoError(t, err)
	return d
}

func testRange(t *testing.T) watermark.DateRange {
	t.Helper()
	return watermark.DateRange{
		Min: mustDate(t, "2024-01-01"),
		Max: mustDate(t, "2024-01-03"),
	}
}

type stubMarks struct {
	mu      sync.Mutex
	next    watermark.DateRange
	nextErr error
	updated []watermark.Date
	upErr   error
}

func (s *stubMarks) NextLoadRange(start watermark.Date) (watermark.DateRange, error) {
	return s.next, s.nextErr
}

func (s *stubMarks) Update(d watermark.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upErr != nil {
		return s.upErr
	}
	s.updated = append(s.updated, d)
	return nil
}

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	records map[string][]complaint.Record
	errs    map[string]error
}

func (f *stubFetcher) Fetch(ctx context.Context, dr watermark.DateRange, company string) ([]complaint.Record, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := f.errs[company]; err != nil {
		return nil, err
	}
	return f.records[company], nil
}

type stubStager struct {
	mu    sync.Mutex
	calls int
	errs  map[string]error
}

func (s *stubStager) Write(records []complaint.Record, company string, dr watermark.DateRange) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if err := s.errs[company]; err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return fmt.Sprintf("/landing/%s.parquet", company), nil
}

type stubLoader struct {
	mu    sync.Mutex
	calls int
	errs  map[string]error
}

func (l *stubLoader) Load(ctx context.Context, path string) (warehouse.LoadResult, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	for company, err := range l.errs {
		if err != nil && path == fmt.Sprintf("/landing/%s.parquet", company) {
			return warehouse.LoadResult{}, err
		}
	}
	if path == "" {
		return warehouse.LoadResult{}, nil
	}
	return warehouse.LoadResult{RowsLoaded: 2}, nil
}

type fixture struct {
	marks   *stubMarks
	fetcher *stubFetcher
	stager  *stubStager
	loader  *stubLoader
	coord   *Coordinator
}

func newFixture(t *testing.T, companies []string, workers int) *fixture {
	t.Helper()

	records := make(map[string][]complaint.Record, len(companies))
	for _, c := range companies {
		records[c] = []complaint.Record{
			{ComplaintID: c + "-1"},
			{ComplaintID: c + "-2"},
		}
	}

	f := &fixture{
		marks:   &stubMarks{},
		fetcher: &stubFetcher{records: records, errs: map[string]error{}},
		stager:  &stubStager{errs: map[string]error{}},
		loader:  &stubLoader{errs: map[string]error{}},
	}

	coord, err := NewCoordinator(
		RunConfig{
			Companies: companies,
			StartDate: mustDate(t, "2024-01-01"),
			Workers:   workers,
		},
		f.marks, f.fetcher, f.stager, f.loader,
		zap.NewNop(), nil,
	)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func TestRunAdvancesWatermarkWhenAllLoad(t *testing.T) {
	f := newFixture(t, []string{"A", "B"}, 1)
	f.marks.next = testRange(t)

	report, err := f.coord.Run(context.Background())
	require.NoError(t, err)

	require.False(t, report.NoOp)
	require.Equal(t, 2, report.Attempted())
	require.Equal(t, 2, report.Succeeded())
	require.Equal(t, WatermarkAdvanced, report.Watermark)
	require.Equal(t, []watermark.Date{testRange(t).Max}, f.marks.updated)

	for _, res := range report.Companies {
		require.Equal(t, StatusLoaded, res.Status)
		require.Equal(t, 2, res.RowsFetched)
		require.EqualValues(t, 2, res.RowsLoaded)
		require.NotEmpty(t, res.StagedPath)
	}
}

func TestFailedCompanyHoldsWatermarkBack(t *testing.T) {
	f := newFixture(t, []string{"A", "B"}, 1)
	f.marks.next = testRange(t)
	f.fetcher.errs["A"] = &source.TransientError{StatusCode: 503, Attempts: 3}

	report, err := f.coord.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, WatermarkUnchanged, report.Watermark)
	require.Empty(t, f.marks.updated)
	require.Equal(t, 1, report.Succeeded())

	failed := report.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, "A", failed[0].Company)
	require.Equal(t, PhaseExtract, failed[0].FailedPhase)
	require.Equal(t, "transient", Classify(failed[0].Err))

	// B still ran to completion despite A's failure.
	require.Equal(t, StatusLoaded, report.Companies[1].Status)
	require.EqualValues(t, 2, report.Companies[1].RowsLoaded)
}

func TestStageFailureRecordsPhase(t *testing.T) {
	f := newFixture(t, []string{"A"}, 1)
	f.marks.next = testRange(t)
	f.stager.errs["A"] = errors.New("disk full")

	report, err := f.coord.Run(context.Background())
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, PhaseStage, failed[0].FailedPhase)
	require.Equal(t, WatermarkUnchanged, report.Watermark)
	require.Zero(t, f.loader.calls)
}

func TestLoadFailureRecordsPhase(t *testing.T) {
	f := newFixture(t, []string{"A"}, 1)
	f.marks.next = testRange(t)
	f.loader.errs["A"] = errors.New("constraint violation")

	report, err := f.coord.Run(context.Background())
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, PhaseLoad, failed[0].FailedPhase)
	require.Empty(t, f.marks.updated)
}

func TestEmptyRangeIsNoOp(t *testing.T) {
	f := newFixture(t, []string{"A", "B"}, 1)
	f.marks.next = watermark.DateRange{
		Min: mustDate(t, "2024-01-04"),
		Max: mustDate(t, "2024-01-03"),
	}

	report, err := f.coord.Run(context.Background())
	require.NoError(t, err)

	require.True(t, report.NoOp)
	require.Equal(t, WatermarkNoop, report.Watermark)
	require.Zero(t, f.fetcher.calls)
	require.Zero(t, f.stager.calls)
	require.Zero(t, f.loader.calls)
	require.Empty(t, f.marks.updated)
}

func TestEmptyFetchStillCountsAsLoaded(t *testing.T) {
	f := newFixture(t, []string{"A"}, 1)
	f.marks.next = testRange(t)
	f.fetcher.records["A"] = nil

	report, err := f.coord.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, report.Succeeded())
	require.Equal(t, WatermarkAdvanced, report.Watermark)
	res := report.Companies[0]
	require.Zero(t, res.RowsFetched)
	require.Zero(t, res.RowsLoaded)
	require.Empty(t, res.StagedPath)
}

func TestBackfillNeverAdvancesWatermark(t *testing.T) {
	f := newFixture(t, []string{"A", "B"}, 1)

	report, err := f.coord.RunRange(context.Background(), testRange(t), false)
	require.NoError(t, err)

	require.Equal(t, 2, report.Succeeded())
	require.Equal(t, WatermarkUnchanged, report.Watermark)
	require.Empty(t, f.marks.updated)
}

func TestParallelWorkersKeepResultOrder(t *testing.T) {
	companies := []string{"A", "B", "C", "D", "E"}
	f := newFixture(t, companies, 3)
	f.marks.next = testRange(t)

	report, err := f.coord.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, len(companies), report.Attempted())
	for i, res := range report.Companies {
		require.Equal(t, companies[i], res.Company)
		require.Equal(t, StatusLoaded, res.Status)
	}
	require.Equal(t, WatermarkAdvanced, report.Watermark)
}

func TestWatermarkUpdateFailureSurfaces(t *testing.T) {
	f := newFixture(t, []string{"A"}, 1)
	f.marks.next = testRange(t)
	f.marks.upErr = errors.New("read-only filesystem")

	report, err := f.coord.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	require.Equal(t, 1, report.Succeeded())
	require.Equal(t, WatermarkUnchanged, report.Watermark)
}

func TestNextLoadRangeFailureAborts(t *testing.T) {
	f := newFixture(t, []string{"A"}, 1)
	f.marks.nextErr = errors.New("state dir unreadable")

	_, err := f.coord.Run(context.Background())
	require.Error(t, err)
	require.Zero(t, f.fetcher.calls)
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(
		RunConfig{StartDate: mustDate(t, "2024-01-01")},
		&stubMarks{}, &stubFetcher{}, &stubStager{}, &stubLoader{},
		zap.NewNop(), nil)
	require.Error(t, err)

	_, err = NewCoordinator(
		RunConfig{Companies: []string{"A"}},
		&stubMarks{}, &stubFetcher{}, &stubStager{}, &stubLoader{},
		zap.NewNop(), nil)
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	require.Equal(t, "transient", Classify(&source.TransientError{StatusCode: 503}))
	require.Equal(t, "permanent", Classify(&source.PermanentError{StatusCode: 403}))
	require.Equal(t, "parse", Classify(&source.ParseError{Err: errors.New("bad json")}))
	require.Equal(t, "other", Classify(errors.New("anything else")))
}
