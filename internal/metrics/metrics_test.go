package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncDecision("deviation", "Approved")
	m.IncNotification("dispatched")
	m.ObserveDispatch(time.Second)
	m.SetOverdue(map[string]int{"deviation": 1})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncDecision("deviation", "Approved")
	m.IncDecision("deviation", "Approved")
	m.IncNotification("failed")
	m.SetOverdue(map[string]int{"contract": 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecisionsRecorded.WithLabelValues("deviation", "Approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OverdueStages.WithLabelValues("contract")))
}
