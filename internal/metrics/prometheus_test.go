package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation("call_next", time.Now(), nil)
	m.ObserveOperation("call_next", time.Now(), errors.New("boom"))
	m.ObserveOperation("call_next", time.Now(), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("call_next", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("call_next", "error")))
}

func TestStreamGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StreamOpened("sse")
	m.StreamOpened("sse")
	m.StreamClosed("sse")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamConnections.WithLabelValues("sse")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("emit", time.Now(), nil)
	m.Announcement("dropped")
	m.Receipt(true)
	m.StreamOpened("sockjs")
	m.StreamMessage("event")
	m.StreamReadError()
}
