package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

func TestDisabledMetricsAreSafeNoOps(t *testing.T) {
	m := New(Config{Enabled: false})
	require.False(t, m.IsEnabled())

	// Every helper must be callable without registration.
	m.RecordFetched("A", 10)
	m.RecordLoaded("A", 10)
	m.RecordRetry()
	m.RecordFailure("extract")
	m.SetWatermark(watermark.Date{})
	m.RecordRunDuration(time.Second)

	require.NoError(t, m.StartServer(":0")) // disabled server returns immediately
}

func TestEnabledMetricsAccumulate(t *testing.T) {
	m := New(Config{Enabled: true})
	require.True(t, m.IsEnabled())

	m.RecordFetched("WELLS FARGO & COMPANY", 100)
	m.RecordFetched("WELLS FARGO & COMPANY", 50)
	m.RecordLoaded("WELLS FARGO & COMPANY", 150)
	m.RecordRetry()
	m.RecordFailure("load")

	require.Equal(t, 150.0, testutil.ToFloat64(m.RecordsFetched.WithLabelValues("WELLS FARGO & COMPANY")))
	require.Equal(t, 150.0, testutil.ToFloat64(m.RowsLoaded.WithLabelValues("WELLS FARGO & COMPANY")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FetchRetries))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CompanyFailures.WithLabelValues("load")))
}

func TestSetWatermarkExportsUnixSeconds(t *testing.T) {
	m := New(Config{Enabled: true})

	d, err := watermark.ParseDate("2024-01-03")
	require.NoError(t, err)
	m.SetWatermark(d)

	require.Equal(t, float64(d.Time().Unix()), testutil.ToFloat64(m.WatermarkDate))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New(Config{Enabled: true})
	m.RecordFetched("A", 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "cfpb_records_fetched_total")
}
