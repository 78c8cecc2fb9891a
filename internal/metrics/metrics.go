package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	restRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_rest_requests_total",
			Help: "Total number of backend REST requests by operation and status.",
		},
		[]string{"op", "status"},
	)
	restRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_rest_request_duration_seconds",
			Help:    "Backend REST request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	channelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_channel_state",
			Help: "1 for the realtime channel's current connection state, 0 otherwise.",
		},
		[]string{"state"},
	)
	channelReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_channel_reconnects_total",
			Help: "Total number of scheduled realtime reconnect attempts.",
		},
	)
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_realtime_events_total",
			Help: "Total number of realtime events by topic and outcome.",
		},
		[]string{"topic", "result"},
	)
	busDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_bus_dropped_total",
			Help: "Events dropped because a bus subscriber was full.",
		},
		[]string{"kind"},
	)
	outboxDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_outbox_deliveries_total",
			Help: "Outbound message deliveries by path and outcome.",
		},
		[]string{"path", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		restRequestsTotal,
		restRequestDuration,
		channelState,
		channelReconnectsTotal,
		realtimeEventsTotal,
		busDroppedTotal,
		outboxDeliveriesTotal,
	)
}

// ObserveREST records one backend request. status 0 means no response.
func ObserveREST(op string, status int, elapsed time.Duration) {
	label := strconv.Itoa(status)
	if status == 0 {
		label = "transport_error"
	}
	restRequestsTotal.WithLabelValues(op, label).Inc()
	restRequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetChannelState marks state as current among all known states.
func SetChannelState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		channelState.WithLabelValues(s).Set(v)
	}
}

func IncReconnect() {
	channelReconnectsTotal.Inc()
}

func IncRealtimeEvent(topic, result string) {
	realtimeEventsTotal.WithLabelValues(topic, result).Inc()
}

func IncBusDropped(kind string) {
	busDroppedTotal.WithLabelValues(kind).Inc()
}

func IncOutboxDelivery(path, result string) {
	outboxDeliveriesTotal.WithLabelValues(path, result).Inc()
}
