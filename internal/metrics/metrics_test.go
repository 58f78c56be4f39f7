package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordSend(t *testing.T) {
	sent := counterValue(t, SendsTotal.WithLabelValues("smtp", "sent"))
	failed := counterValue(t, SendsTotal.WithLabelValues("smtp", "failed"))

	RecordSend("smtp", true, 20*time.Millisecond)
	RecordSend("smtp", false, time.Second)
	RecordSend("smtp", true, 5*time.Millisecond)

	assert.Equal(t, sent+2, counterValue(t, SendsTotal.WithLabelValues("smtp", "sent")))
	assert.Equal(t, failed+1, counterValue(t, SendsTotal.WithLabelValues("smtp", "failed")))
}

func TestRecordTracking(t *testing.T) {
	before := counterValue(t, TrackingEventsTotal.WithLabelValues("open", "dropped"))
	RecordTracking("open", false)
	assert.Equal(t, before+1, counterValue(t, TrackingEventsTotal.WithLabelValues("open", "dropped")))
}
