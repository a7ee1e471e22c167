package staging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/complaint"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

func testRange(t *testing.T) watermark.DateRange {
	t.Helper()
	min, err := watermark.ParseDate("2024-01-01")
	require.NoError(t, err)
	max, err := watermark.ParseDate("2024-01-03")
	require.NoError(t, err)
	return watermark.DateRange{Min: min, Max: max}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func sampleRecords() []complaint.Record {
	extracted := time.Date(2024, 1, 3, 10, 30, 0, 0, time.UTC)
	return []complaint.Record{
		{
			ComplaintID:  "100",
			DateReceived: "2024-01-02",
			Product:      "Mortgage",
			Company:      "WELLS FARGO & COMPANY",
			State:        "CA",
			ExtractedAt:  extracted,
			LoadID:       "load-1",
			Extra:        map[string]string{"has_narrative": "true"},
		},
		{
			ComplaintID:  "101",
			DateReceived: "2024-01-03",
			Product:      "Credit card",
			Company:      "WELLS FARGO & COMPANY",
			ExtractedAt:  extracted,
			LoadID:       "load-1",
		},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	path, err := s.Write(sampleRecords(), "WELLS FARGO & COMPANY", testRange(t))
	require.NoError(t, err)
	require.NotEmpty(t, path)

	got, err := s.Read(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, "100", got[0].ComplaintID)
	require.Equal(t, "2024-01-02", got[0].DateReceived)
	require.Equal(t, "Mortgage", got[0].Product)
	require.Equal(t, "load-1", got[0].LoadID)
	require.True(t, got[0].ExtractedAt.Equal(sampleRecords()[0].ExtractedAt))
	require.Equal(t, map[string]string{"has_narrative": "true"}, got[0].Extra)

	require.Equal(t, "101", got[1].ComplaintID)
	require.Empty(t, got[1].Extra)
}

func TestWriteEmptyBatchStagesNothing(t *testing.T) {
	s := newTestStore(t)

	path, err := s.Write(nil, "CITIBANK, N.A.", testRange(t))
	require.NoError(t, err)
	require.Empty(t, path)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBatchPathIsDeterministic(t *testing.T) {
	s := newTestStore(t)
	dr := testRange(t)

	p1 := s.BatchPath("JPMORGAN CHASE & CO.", dr)
	p2 := s.BatchPath("JPMORGAN CHASE & CO.", dr)
	require.Equal(t, p1, p2)

	name := filepath.Base(p1)
	require.Equal(t, "jpmorgan-chase---co_2024-01-01_2024-01-03.parquet", name)
}

func TestRewriteOverwritesPreviousBatch(t *testing.T) {
	s := newTestStore(t)
	dr := testRange(t)

	first, err := s.Write(sampleRecords(), "WELLS FARGO & COMPANY", dr)
	require.NoError(t, err)

	second, err := s.Write(sampleRecords()[:1], "WELLS FARGO & COMPANY", dr)
	require.NoError(t, err)
	require.Equal(t, first, second)

	got, err := s.Read(second)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// No leftover temp file.
	_, err = os.Stat(second + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestReadMissingFileFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(filepath.Join(s.Dir(), "nope.parquet"))
	require.Error(t, err)
}
