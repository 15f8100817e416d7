package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room log metrics
	roomLogAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_roomlog_appends_total",
			Help: "Room log appends by backend and result",
		},
		[]string{"backend", "result"},
	)

	roomLogLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_roomlog_latency_seconds",
			Help:    "Room log operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"backend", "op"},
	)

	malformedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_malformed_entries_total",
			Help: "Stored entries skipped during catch-up because they failed to decode",
		},
		[]string{"backend"},
	)

	roomLogConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_roomlog_append_conflicts_total",
			Help: "Appends retried because another writer took the next room id first",
		},
		[]string{"backend"},
	)

	// Sync metrics
	joinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_joins_total",
			Help: "Room joins by kind (fresh, catchup) and result",
		},
		[]string{"kind", "result"},
	)

	catchupSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomsync_catchup_messages",
			Help:    "Messages returned per catch-up batch",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 250, 500},
		},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_sends_total",
			Help: "Message sends by result",
		},
		[]string{"result"},
	)

	// Fanout metrics
	publishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_publishes_total",
			Help: "Broadcaster publishes by backend and result",
		},
		[]string{"backend", "result"},
	)

	deliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_deliveries_dropped_total",
			Help: "Live deliveries dropped because a session queue was full",
		},
	)

	liveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_ws_sessions",
			Help: "Currently connected websocket sessions",
		},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
