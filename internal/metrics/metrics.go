package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nbcon_chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Chat metrics
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbcon_chat_rooms_created_total",
			Help: "Total chat rooms created",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_messages_sent_total",
			Help: "Total messages accepted for sending",
		},
		[]string{"type"}, // text, image, file, system
	)

	MessageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_message_transitions_total",
			Help: "Message status transitions",
		},
		[]string{"status"},
	)

	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nbcon_chat_delivery_latency_seconds",
			Help:    "Time from send to delivered",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	InFlightMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nbcon_chat_in_flight_messages",
			Help: "Messages whose transport round trip is running",
		},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_uploads_total",
			Help: "Attachment uploads",
		},
		[]string{"kind", "result"},
	)

	TypingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_typing_events_total",
			Help: "Typing indicator updates",
		},
		[]string{"source"}, // user, expiry
	)

	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_search_queries_total",
			Help: "Total search queries",
		},
		[]string{"scope"}, // room, all
	)

	// Connection metrics
	ConnectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_connection_attempts_total",
			Help: "Transport handshake attempts",
		},
		[]string{"result"},
	)

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nbcon_chat_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_events_published_total",
			Help: "Events published on the event bus",
		},
		[]string{"type"},
	)

	SubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbcon_chat_subscribers_dropped_total",
			Help: "Subscribers dropped for falling behind",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_notifications_total",
			Help: "Notifier invocations",
		},
		[]string{"result"},
	)

	RelayedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbcon_chat_relayed_events_total",
			Help: "Events published to the Redis relay",
		},
		[]string{"result"}, // ok, error, dropped
	)
)
