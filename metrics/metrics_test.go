package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector()

	c.ChainHeight("icon", 120)
	c.Watermark("icon", 100)
	c.ScanFinished("icon", time.Second, nil)
	c.ScanFinished("icon", time.Second, errors.New("timeout"))
	c.ParseErrors("icon", 2)
	c.Stalled("icon", true)
	c.EventStored("icon", "MessageSent")

	require.Equal(t, 120.0, testutil.ToFloat64(c.chainHeight.WithLabelValues("icon")))
	require.Equal(t, 100.0, testutil.ToFloat64(c.watermark.WithLabelValues("icon")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.scans.WithLabelValues("icon", "error")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.parseErrors.WithLabelValues("icon")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.stalled.WithLabelValues("icon")))

	c.Stalled("icon", false)
	require.Equal(t, 0.0, testutil.ToFloat64(c.stalled.WithLabelValues("icon")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.StatusChange("SUCCESS")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `xtracker_tracker_status_changes_total{status="SUCCESS"} 1`)
}
