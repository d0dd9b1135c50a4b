package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Transition("completed")
	m.Transition("completed")
	m.ObserveCall("content.publish", time.Now(), nil)
	m.ObserveCall("content.publish", time.Now(), errors.New("boom"))
	m.SetQueueDepth(3)
	m.AuthorizationResult("expired")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("content.publish", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authorization.WithLabelValues("expired")))

	count, err := testutil.GatherAndCount(reg, "datawallet_external_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("failed")
	m.ObserveCall("ledger.attest", time.Now(), nil)
	m.SetQueueDepth(1)
	m.SetBreakerState("notify", 1)
	m.AuthorizationResult("ok")
}
