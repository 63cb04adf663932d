package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_gateway_online_conns",
		Help: "Current websocket connections held by this instance.",
	})
	ConnectRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_connect_rejected_total",
		Help: "Connections refused before registration, by reason.",
	}, []string{"reason"})
	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_heartbeat_timeouts_total",
		Help: "Connections closed because no heartbeat arrived in time.",
	})

	ClientEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_client_events_total",
		Help: "Client events handled, by event and result code.",
	}, []string{"event", "code"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_rate_limited_total",
		Help: "Client events rejected by the per-connection limiter.",
	}, []string{"event"})

	WSPushOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_ws_push_ok_total",
		Help: "Total ws frames queued successfully.",
	})
	WSPushBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_ws_backpressure_total",
		Help: "Total frames dropped because the outbound queue was full or closing.",
	})

	BusPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_bus_published_total",
		Help: "Envelopes published to the bus.",
	})
	BusPublishFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_bus_publish_failed_total",
		Help: "Envelopes dropped because publishing to the bus failed.",
	})
	BusReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_bus_received_total",
		Help: "Envelopes received from the bus.",
	})

	PresenceFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_presence_fallback_total",
		Help: "Presence lookups that failed and were treated as offline.",
	})

	RetryEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_retry_enqueued_total",
		Help: "Envelopes queued for offline users.",
	})
	RetryFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_retry_flushed_total",
		Help: "Queued envelopes delivered on connect.",
	})
	RetryDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_retry_delivered_total",
		Help: "Queued envelopes delivered by the retry worker.",
	})
	RetryRescheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_gateway_retry_rescheduled_total",
		Help: "Retry attempts that found the user still offline.",
	})
	RetryTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_retry_terminal_total",
		Help: "Queued envelopes given up on, by reason.",
	}, []string{"reason"})

	FallbackPush = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_fallback_push_total",
		Help: "Out-of-band notifications after terminal failure: accepted/rejected by the notifier, ok/error from the vendor.",
	}, []string{"result"})

	BreakerOpen = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_gateway_breaker_open_total",
		Help: "Times a circuit breaker opened, by key.",
	}, []string{"key"})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns, ConnectRejected, HeartbeatTimeouts,
		ClientEvents, RateLimited,
		WSPushOK, WSPushBackpressure,
		BusPublished, BusPublishFailed, BusReceived,
		PresenceFallback,
		RetryEnqueued, RetryFlushed, RetryDelivered, RetryRescheduled, RetryTerminal,
		FallbackPush,
		BreakerOpen,
	)
}
