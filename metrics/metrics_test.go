package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed("normal")
		m.Broadcast(1, 1, time.Millisecond)
		m.Forward(true)
		m.AuthDecision("publickey", true)
	})
}

func TestMetrics_Recording(t *testing.T) {
	reg := prometheus.NewRegistry()
	count := 2
	m := New(reg, func() int { return count })
	require.NotNil(t, m)

	t.Run("sessions", func(t *testing.T) {
		m.SessionOpened()
		m.SessionOpened()
		m.SessionClosed("disconnect")
		assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnects.WithLabelValues("disconnect")))
	})

	t.Run("broadcast deliveries", func(t *testing.T) {
		m.Broadcast(3, 1, time.Microsecond)
		assert.Equal(t, 3.0, testutil.ToFloat64(m.deliveries.WithLabelValues(ResultOK)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(ResultFailed)))
	})

	t.Run("forwards and auth", func(t *testing.T) {
		m.Forward(false)
		m.AuthDecision("certificate", true)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.forwards.WithLabelValues(ResultFailed)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.authDecisions.WithLabelValues("certificate", "accepted")))
	})

	t.Run("registry gauge follows callback", func(t *testing.T) {
		assert.Equal(t, 2.0, testutil.ToFloat64(m.registeredSessions))
		count = 5
		assert.Equal(t, 5.0, testutil.ToFloat64(m.registeredSessions))
	})
}
