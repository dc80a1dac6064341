package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("metering", reg)

	require.NotNil(t, m)

	m.UsageEventsTotal.WithLabelValues("chat", "gpt-4o", "true").Inc()
	m.DebitsTotal.WithLabelValues("charged").Add(3)
	m.LimitCrossingsTotal.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.UsageEventsTotal.WithLabelValues("chat", "gpt-4o", "true")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DebitsTotal.WithLabelValues("charged")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LimitCrossingsTotal))
}

func TestNewSeparateRegistries(t *testing.T) {
	// Two instances must not collide when registered separately.
	m1 := New("metering", prometheus.NewRegistry())
	m2 := New("metering", prometheus.NewRegistry())

	m1.ReportsTotal.WithLabelValues("reported").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m1.ReportsTotal.WithLabelValues("reported")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m2.ReportsTotal.WithLabelValues("reported")))
}
