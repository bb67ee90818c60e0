package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	EnsureRegistered()
	m := getMetrics()

	before := testutil.ToFloat64(m.detectorBlocksTotal.WithLabelValues("itinerary_planner", "duplicate"))
	RecordDetectorBlock("itinerary_planner", "duplicate")
	after := testutil.ToFloat64(m.detectorBlocksTotal.WithLabelValues("itinerary_planner", "duplicate"))
	assert.Equal(t, before+1, after)

	errBefore := testutil.ToFloat64(m.storeErrors.WithLabelValues("save"))
	RecordStoreOp("save", time.Millisecond, errors.New("disk full"))
	RecordStoreOp("save", time.Millisecond, nil)
	assert.Equal(t, errBefore+1, testutil.ToFloat64(m.storeErrors.WithLabelValues("save")))
}

func TestTurnGaugeBalances(t *testing.T) {
	m := getMetrics()
	start := testutil.ToFloat64(m.activeTurns)

	TurnStarted()
	assert.Equal(t, start+1, testutil.ToFloat64(m.activeTurns))

	RecordTurn("paused", 3, 2*time.Second)
	assert.Equal(t, start, testutil.ToFloat64(m.activeTurns))
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	RecordStreamEvent("final")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tata_stream_events_total"))
}
