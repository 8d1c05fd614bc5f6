// Package metrics defines the Prometheus collectors for the edge server and
// the consumer. All collectors register against the default registry and are
// exposed through the /metrics handler on each binary's HTTP mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Edge server collectors.
var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatflow_edge_connections",
		Help: "Open WebSocket connections on this edge",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_edge_messages_received_total",
		Help: "Text frames received from clients",
	})

	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_edge_messages_published_total",
		Help: "Messages accepted by the broker and acked OK",
	})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_edge_publish_failures_total",
		Help: "Broker publish failures answered with QUEUE_ERROR",
	})

	RejectedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatflow_edge_rejected_messages_total",
		Help: "Messages rejected at ingress by error kind",
	}, []string{"kind"})

	BroadcastsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_edge_broadcasts_delivered_total",
		Help: "Bus payloads written to local room members",
	})

	BroadcastWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_edge_broadcast_write_failures_total",
		Help: "Per-connection write failures during fan-out",
	})

	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_edge_bus_reconnects_total",
		Help: "Bus subscriber reconnection attempts",
	})
)

// Consumer collectors.
var (
	MessagesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_messages_total",
		Help: "Broker deliveries processed by consumer workers",
	})

	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_acked_total",
		Help: "Broker deliveries acknowledged",
	})

	MessagesNacked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_nacked_total",
		Help: "Broker deliveries negatively acknowledged",
	})

	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_bus_published_total",
		Help: "Messages published to the pub/sub bus",
	})

	BusPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_bus_publish_errors_total",
		Help: "Pipeline flushes that failed and were retried",
	})

	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_bus_dropped_total",
		Help: "Messages dropped when the shutdown drain deadline expired",
	})

	BusQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatflow_consumer_bus_queue_depth",
		Help: "Messages waiting in the bus publisher hand-off queue",
	})

	DBWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_db_written_total",
		Help: "Rows persisted by the batch DB writer",
	})

	DBDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_db_dropped_total",
		Help: "Messages dropped because the DB write queue was full",
	})

	DBBatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_consumer_db_batch_errors_total",
		Help: "Failed DB batch inserts (batch lost)",
	})

	DBQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatflow_consumer_db_queue_depth",
		Help: "Messages waiting in the DB write queue",
	})
)

// Handler exposes the default registry. Mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
