// Package metrics wires a Consumer's counters into Prometheus, grounded on
// the teacher's pkg/metrics/exporter.go (MustRegister in init, a /metrics
// HTTP handler) and on the itsHabib-pub consumer-decorator pattern
// (internal/pub/consumer/metrics.go), which records Pull/Ack outcomes
// around an existing interface rather than scattering prometheus calls
// through business logic.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds one consumer's Prometheus collectors. Multiple Registry
// instances for distinct (topic, channel) pairs may coexist in one process
// as long as their labels differ.
type Registry struct {
	MessagesReceived  prometheus.Counter
	MessagesFinished  prometheus.Counter
	MessagesRequeued  prometheus.Counter
	ConnectionCount   prometheus.Gauge
	TotalRDY          prometheus.Gauge
	BackoffLevel      prometheus.Gauge
	HandlerDuration   prometheus.Histogram
}

// NewRegistry creates and registers a Registry for the given (topic,
// channel). Pass a nil registerer to use prometheus's default registerer.
func NewRegistry(topic, channel string, reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	labels := prometheus.Labels{"topic": topic, "channel": channel}
	r := &Registry{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nsqgo_consumer_messages_received_total",
			Help:        "Messages delivered to the consumer.",
			ConstLabels: labels,
		}),
		MessagesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nsqgo_consumer_messages_finished_total",
			Help:        "Messages acknowledged with FIN.",
			ConstLabels: labels,
		}),
		MessagesRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nsqgo_consumer_messages_requeued_total",
			Help:        "Messages acknowledged with REQ.",
			ConstLabels: labels,
		}),
		ConnectionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "nsqgo_consumer_connections",
			Help:        "Number of live broker connections.",
			ConstLabels: labels,
		}),
		TotalRDY: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "nsqgo_consumer_total_rdy",
			Help:        "Sum of lastRdyCount across all connections.",
			ConstLabels: labels,
		}),
		BackoffLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "nsqgo_consumer_backoff_level",
			Help:        "Current shared backoff counter.",
			ConstLabels: labels,
		}),
		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "nsqgo_consumer_handler_duration_seconds",
			Help:        "Time spent inside the user handler.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(r.MessagesReceived, r.MessagesFinished, r.MessagesRequeued,
		r.ConnectionCount, r.TotalRDY, r.BackoffLevel, r.HandlerDuration)

	return r
}

// StartServer exposes the default Prometheus registerer's /metrics handler
// on the given port, mirroring the teacher's StartMetricsServer.
func StartServer(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		_ = http.ListenAndServe(addr, mux)
	}()
}
