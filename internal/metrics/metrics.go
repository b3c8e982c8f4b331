// Package metrics holds the prometheus instruments of the sync engine and the reference backend.
//
// A *Metrics is created once per session (or server) against an explicit registerer.
// All methods are safe on a nil receiver so components can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walletsync"

// Metrics bundles the instruments.
type Metrics struct {
	queueDepth      *prometheus.GaugeVec
	queueBytes      prometheus.Gauge
	queueEvictions  prometheus.Counter
	queueDeliveries *prometheus.CounterVec
	chunkUploads    *prometheus.CounterVec
	hydrationRuns   *prometheus.CounterVec
	hydratedChunks  prometheus.Counter
	hydratedRecords prometheus.Counter
	serverRequests  *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Queued chunk uploads by status.",
		}, []string{"status"}),
		queueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "bytes",
			Help:      "Serialized size of all queued items.",
		}),
		queueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evictions_total",
			Help:      "Queued items evicted to stay under the size cap.",
		}),
		queueDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "deliveries_total",
			Help:      "Redelivery attempts by result.",
		}, []string{"result"}),
		chunkUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "chunk_uploads_total",
			Help:      "Chunk uploads by result.",
		}, []string{"result"}),
		hydrationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hydration",
			Name:      "runs_total",
			Help:      "Hydration runs by final status.",
		}, []string{"status"}),
		hydratedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hydration",
			Name:      "chunks_total",
			Help:      "Chunks verified and replayed.",
		}),
		hydratedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hydration",
			Name:      "records_written_total",
			Help:      "Records written into the wallet store by hydration.",
		}),
		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Sync API requests by action and HTTP status.",
		}, []string{"action", "status"}),
	}

	collectors := []prometheus.Collector{
		m.queueDepth, m.queueBytes, m.queueEvictions, m.queueDeliveries, m.chunkUploads,
		m.hydrationRuns, m.hydratedChunks, m.hydratedRecords, m.serverRequests,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetQueue records the queue's current shape.
func (m *Metrics) SetQueue(pending, failed int, bytes int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
	m.queueBytes.Set(float64(bytes))
}

func (m *Metrics) QueueEvicted(n int) {
	if m == nil {
		return
	}
	m.queueEvictions.Add(float64(n))
}

// QueueDelivery counts one redelivery attempt; result is "delivered", "retry" or "failed".
func (m *Metrics) QueueDelivery(result string) {
	if m == nil {
		return
	}
	m.queueDeliveries.WithLabelValues(result).Inc()
}

// ChunkUpload counts one chunk upload; result is "ok", "split", "queued" or "error".
func (m *Metrics) ChunkUpload(result string) {
	if m == nil {
		return
	}
	m.chunkUploads.WithLabelValues(result).Inc()
}

func (m *Metrics) HydrationFinished(status string) {
	if m == nil {
		return
	}
	m.hydrationRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) HydrationApplied(chunks, records int) {
	if m == nil {
		return
	}
	m.hydratedChunks.Add(float64(chunks))
	m.hydratedRecords.Add(float64(records))
}

func (m *Metrics) ServerRequest(action, status string) {
	if m == nil {
		return
	}
	m.serverRequests.WithLabelValues(action, status).Inc()
}
