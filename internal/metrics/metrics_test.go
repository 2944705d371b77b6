package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()

	m.ReadingBatches.WithLabelValues(ResultSaved).Inc()
	m.ReadingBatches.WithLabelValues(ResultSaved).Inc()
	m.ReadingBatches.WithLabelValues(ResultRejected).Inc()
	m.ReadingsSaved.Add(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReadingBatches.WithLabelValues(ResultSaved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadingBatches.WithLabelValues(ResultRejected)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReadingsSaved))
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a, b := New(), New()
	a.ReadingsSaved.Inc()

	assert.Equal(t, 0.0, testutil.ToFloat64(b.ReadingsSaved))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SortUpdates.WithLabelValues(ResultSaved).Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `field_readings_sort_updates_total{result="saved"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
