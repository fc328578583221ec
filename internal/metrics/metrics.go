package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TasksPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routesvc_photo_tasks_published_total",
			Help: "Photo processing tasks published to the PHOTOS stream.",
		},
	)

	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routesvc_photo_tasks_consumed_total",
			Help: "Photo processing tasks consumed, by outcome.",
		},
		[]string{"outcome"},
	)

	PhotosProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routesvc_photos_processed_total",
			Help: "Individual photos processed, by terminal status.",
		},
		[]string{"status"},
	)

	PhotoProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routesvc_photo_process_duration_seconds",
			Help:    "Per-photo decode+transcode+upload latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routesvc_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	UploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routesvc_object_upload_duration_seconds",
			Help:    "Object storage upload latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"kind"},
	)

	CompletionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routesvc_completion_events_total",
			Help: "Completion events published or received, by side.",
		},
		[]string{"side"},
	)

	WebsocketSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routesvc_websocket_subscribers",
			Help: "Currently connected websocket subscribers.",
		},
	)

	BroadcastLaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routesvc_broadcast_lagged_total",
			Help: "Messages skipped by slow broadcast subscribers.",
		},
	)

	SweepRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routesvc_sweep_requeued_total",
			Help: "Tasks re-enqueued by the pending-photo sweeper.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		TasksPublishedTotal,
		TasksConsumedTotal,
		PhotosProcessedTotal,
		PhotoProcessDuration,
		DBWriteDuration,
		UploadDuration,
		CompletionEventsTotal,
		WebsocketSubscribers,
		BroadcastLaggedTotal,
		SweepRequeuedTotal,
	)
}
