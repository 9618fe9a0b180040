package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Dispatch metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	TicketsEmitted    *prometheus.CounterVec
	AutoNoShowTotal   prometheus.Counter

	// Collaborator metrics
	AnnouncementsTotal *prometheus.CounterVec
	ReceiptsTotal      *prometheus.CounterVec

	// Stream metrics
	StreamConnections *prometheus.GaugeVec
	StreamEvents      *prometheus.CounterVec
	StreamReadErrors  prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates metrics and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_operations_total",
				Help: "Total number of ticket operations by outcome",
			},
			[]string{"operation", "result"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edge_operation_duration_seconds",
				Help:    "Duration of ticket operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		TicketsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_tickets_emitted_total",
				Help: "Total number of tickets emitted",
			},
			[]string{"priority"},
		),
		AutoNoShowTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_auto_no_show_total",
				Help: "Total number of tickets closed by the no-show sweeper",
			},
		),
		AnnouncementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_announcements_total",
				Help: "Total number of announcements by outcome",
			},
			[]string{"result"},
		),
		ReceiptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_receipts_total",
				Help: "Total number of receipt print attempts by outcome",
			},
			[]string{"result"},
		),
		StreamConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edge_stream_connections",
				Help: "Number of open display stream connections",
			},
			[]string{"transport"},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_stream_messages_total",
				Help: "Total number of messages written to display streams",
			},
			[]string{"kind"},
		),
		StreamReadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_stream_read_errors_total",
				Help: "Total number of event log read failures seen by stream loops",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
	}
}

// ObserveOperation records the outcome and latency of one engine call.
func (m *Metrics) ObserveOperation(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Announcement(result string) {
	if m == nil {
		return
	}
	m.AnnouncementsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Receipt(printed bool) {
	if m == nil {
		return
	}
	result := "failed"
	if printed {
		result = "printed"
	}
	m.ReceiptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) StreamOpened(transport string) {
	if m == nil {
		return
	}
	m.StreamConnections.WithLabelValues(transport).Inc()
}

func (m *Metrics) StreamClosed(transport string) {
	if m == nil {
		return
	}
	m.StreamConnections.WithLabelValues(transport).Dec()
}

func (m *Metrics) StreamMessage(kind string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) StreamReadError() {
	if m == nil {
		return
	}
	m.StreamReadErrors.Inc()
}
