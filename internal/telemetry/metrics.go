// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for the relay.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	chatMessages   prometheus.Counter
	chatDropped    prometheus.Counter
	viewerJoins    prometheus.Counter
	viewerLeaves   prometheus.Counter
	presenceErrors *prometheus.CounterVec
	connections    prometheus.Gauge
	rooms          prometheus.Gauge
	streamWorkers  prometheus.Gauge
)

// Init registers metrics on the default registry (idempotent). Until it is called every recorder below is a no-op.
func Init() {
	once.Do(func() {
		chatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_chat_messages_total", Help: "Chat messages accepted and stored"})
		chatDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_chat_deliveries_dropped_total", Help: "Deliveries skipped because a connection's send buffer was full"})
		viewerJoins = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_joins_total", Help: "Successful viewer joins"})
		viewerLeaves = promauto.NewCounter(prometheus.CounterOpts{Name: "presence_leaves_total", Help: "Successful viewer leaves"})
		presenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "presence_errors_total", Help: "Failed presence operations"}, []string{"op"})
		connections = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_connections", Help: "Open websocket connections"})
		rooms = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_rooms", Help: "Rooms with at least one local member"})
		streamWorkers = promauto.NewGauge(prometheus.GaugeOpts{Name: "presence_stream_workers", Help: "Running per-stream presence workers"})
	})
}

// ChatMessage counts a stored chat message.
func ChatMessage() {
	if chatMessages != nil {
		chatMessages.Inc()
	}
}

// ChatDropped counts deliveries that were skipped.
func ChatDropped(n int) {
	if chatDropped != nil && n > 0 {
		chatDropped.Add(float64(n))
	}
}

// ViewerJoined counts a join.
func ViewerJoined() {
	if viewerJoins != nil {
		viewerJoins.Inc()
	}
}

// ViewerLeft counts a leave.
func ViewerLeft() {
	if viewerLeaves != nil {
		viewerLeaves.Inc()
	}
}

// PresenceError counts a failed presence operation.
func PresenceError(op string) {
	if presenceErrors != nil {
		presenceErrors.WithLabelValues(op).Inc()
	}
}

// AddConnections moves the open connection gauge by delta.
func AddConnections(delta int) {
	if connections != nil {
		connections.Add(float64(delta))
	}
}

// SetRooms records the number of local rooms.
func SetRooms(n int) {
	if rooms != nil {
		rooms.Set(float64(n))
	}
}

// SetStreamWorkers records the number of running presence workers.
func SetStreamWorkers(n int) {
	if streamWorkers != nil {
		streamWorkers.Set(float64(n))
	}
}
