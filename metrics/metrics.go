// Package metrics defines the relay's Prometheus instrumentation. All
// series carry the trainlink_ prefix; helpers keep label handling in one
// place so call sites stay one line.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CodecErrorsTotal counts inbound messages that failed to parse.
	CodecErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainlink_codec_errors_total",
		Help: "Total number of inbound messages dropped as malformed",
	}, []string{"transport"})

	// UnknownTypeTotal counts packets with an unregistered type byte.
	UnknownTypeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainlink_unknown_type_total",
		Help: "Total number of packets dropped for an unknown type byte",
	})

	// VideoDropsTotal counts video packets lost to backpressure.
	VideoDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainlink_video_drops_total",
		Help: "Total number of video packets dropped by overload point",
	}, []string{"reason"})

	// CommandsRoutedTotal counts console commands by routing outcome.
	CommandsRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainlink_commands_routed_total",
		Help: "Total number of console commands by routing outcome",
	}, []string{"result"})

	// DatagramBytesTotal counts video datagram bytes received per train.
	DatagramBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainlink_datagram_bytes_total",
		Help: "Total video datagram bytes received, by source train",
	}, []string{"train_id"})

	// EndpointsConnected tracks live endpoints by transport and role.
	EndpointsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trainlink_endpoints_connected",
		Help: "Number of currently connected endpoints",
	}, []string{"transport", "role"})

	// NotificationsTotal counts fleet notifications broadcast to consoles.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainlink_notifications_total",
		Help: "Total number of fleet notifications broadcast, by event",
	}, []string{"event"})
)

// Command routing outcomes.
const (
	RouteDelivered = "delivered"
	RouteNoRoute   = "no_route"
	RouteFailed    = "send_failed"
)

// Video drop reasons.
const (
	DropFanoutQueue   = "fanout_queue"
	DropSubscriber    = "subscriber_send"
	DropEndpointQueue = "endpoint_queue"
)

// IncCodecError records one malformed inbound message.
func IncCodecError(transport string) {
	CodecErrorsTotal.WithLabelValues(transport).Inc()
}

// IncUnknownType records one packet with an unknown type byte.
func IncUnknownType() {
	UnknownTypeTotal.Inc()
}

// IncVideoDrop records one video packet lost to backpressure.
func IncVideoDrop(reason string) {
	VideoDropsTotal.WithLabelValues(reason).Inc()
}

// IncCommandRouted records one console command routing outcome.
func IncCommandRouted(result string) {
	CommandsRoutedTotal.WithLabelValues(result).Inc()
}

// AddDatagramBytes records received video bytes for a train.
func AddDatagramBytes(trainID string, n int) {
	DatagramBytesTotal.WithLabelValues(trainID).Add(float64(n))
}

// IncEndpoints records an endpoint arrival.
func IncEndpoints(transport, role string) {
	EndpointsConnected.WithLabelValues(transport, role).Inc()
}

// DecEndpoints records an endpoint departure.
func DecEndpoints(transport, role string) {
	EndpointsConnected.WithLabelValues(transport, role).Dec()
}

// IncNotification records one broadcast fleet notification.
func IncNotification(event string) {
	NotificationsTotal.WithLabelValues(event).Inc()
}
