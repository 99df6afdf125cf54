package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	AgentRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbrand_agent_requests_total", Help: "Agent HTTP requests"},
		[]string{"endpoint", "status"},
	)
	Resolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbrand_resolve_total", Help: "Branding resolutions by outcome"},
		[]string{"outcome", "source", "surface"},
	)
	ResolveLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callbrand_resolve_latency_seconds",
			Help:    "Branding resolution latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .15, .25, .5, 1, 3},
		},
		[]string{"source"},
	)
	APICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbrand_api_calls_total", Help: "Backend API calls"},
		[]string{"op", "result", "http_status"},
	)
	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "callbrand_api_latency_seconds", Help: "Backend API latency"},
		[]string{"op"},
	)
	EventsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbrand_events_enqueued_total", Help: "Pending events enqueued or skipped"},
		[]string{"outcome", "result"},
	)
	EventUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbrand_event_uploads_total", Help: "Event upload results"},
		[]string{"result"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "callbrand_event_queue_depth", Help: "Queued events after the last upload pass"},
	)
	ImageCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbrand_image_cache_total", Help: "Image cache lookups"},
		[]string{"result"},
	)
	Syncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbrand_sync_total", Help: "Branding sync results"},
		[]string{"result"},
	)
	RelayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbrand_relay_events_total", Help: "Events relayed from SQS"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(AgentRequests, Resolves, ResolveLatency, APICalls, APILatency,
		EventsEnqueued, EventUploads, QueueDepth, ImageCache, Syncs, RelayEvents)
}
