package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.RecordReceived()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.jobsReceived))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.jobsReceived))
}

func TestRecordOutcome(t *testing.T) {
	c := NewCollector()

	c.RecordOutcome(OutcomeSucceeded)
	c.RecordOutcome(OutcomeDuplicate)
	c.RecordOutcome(OutcomeDuplicate)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues(OutcomeSucceeded)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues(OutcomeDuplicate)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues(OutcomeFailed)))
}

func TestRecordComposition(t *testing.T) {
	c := NewCollector()

	c.RecordComposition(12.5, 60, 7)
	c.RecordComposition(3, 6, 0)
	c.RecordThumbnailFailure()

	assert.Equal(t, 7.0, testutil.ToFloat64(c.placeholderCells))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.thumbnailFailures))
	assert.Equal(t, 2, testutil.CollectAndCount(c.compositionTime))
}

func TestInFlightGauge(t *testing.T) {
	c := NewCollector()

	c.JobStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsInFlight))
	c.JobFinished()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsInFlight))

	c.SetQueueDepth("pending", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("pending")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordReceived()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "meetcomposer_jobs_received_total 1")
	assert.Contains(t, string(body), `meetcomposer_jobs_total{outcome="invalid"} 0`)
}
