package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardant_workers_total",
			Help: "Total number of workers by region and status",
		},
		[]string{"region", "status"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardant_services_total",
			Help: "Total number of active monitored services",
		},
	)

	// Scheduler metrics
	SchedulerLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardant_scheduler_is_leader",
			Help: "Whether this scheduler instance holds the lease (1 = leader)",
		},
	)

	CommandsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_commands_emitted_total",
			Help: "Total probe commands emitted by region",
		},
		[]string{"region"},
	)

	CommandsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_commands_dropped_total",
			Help: "Probe commands dropped by the scheduler due to region backpressure",
		},
		[]string{"region"},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardant_scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Probe metrics
	ProbesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_probes_executed_total",
			Help: "Total probes executed by type and status",
		},
		[]string{"type", "status"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardant_probe_duration_seconds",
			Help:    "Probe execution duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	// Local result cache metrics
	CachePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardant_cache_pending_results",
			Help: "Results waiting in the local cache for broker delivery",
		},
	)

	CacheDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardant_cache_dropped_total",
			Help: "Results dropped from the local cache at capacity",
		},
	)

	CacheFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardant_cache_flushed_total",
			Help: "Results successfully flushed from the local cache to the broker",
		},
	)

	// Broker metrics
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_broker_published_total",
			Help: "Messages published by stream",
		},
		[]string{"stream"},
	)

	MessagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_broker_consumed_total",
			Help: "Messages consumed by stream and disposition",
		},
		[]string{"stream", "disposition"},
	)

	// Ingestor metrics
	ResultsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_results_ingested_total",
			Help: "Probe results ingested by outcome",
		},
		[]string{"outcome"},
	)

	IncidentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_incident_transitions_total",
			Help: "Incident state machine transitions",
		},
		[]string{"transition"},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardant_ingest_duration_seconds",
			Help:    "Time to process one probe result",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Aggregator metrics
	BucketsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardant_aggregate_buckets_live",
			Help: "Aggregation buckets currently held in memory",
		},
	)

	BucketsSealed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_aggregate_buckets_sealed_total",
			Help: "Aggregation buckets sealed and written to the sink",
		},
		[]string{"period"},
	)

	// Notification metrics
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardant_notifications_sent_total",
			Help: "Notification deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(SchedulerLeader)
	prometheus.MustRegister(CommandsEmitted)
	prometheus.MustRegister(CommandsDropped)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(ProbesExecuted)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(CachePending)
	prometheus.MustRegister(CacheDropped)
	prometheus.MustRegister(CacheFlushed)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesConsumed)
	prometheus.MustRegister(ResultsIngested)
	prometheus.MustRegister(IncidentTransitions)
	prometheus.MustRegister(IngestDuration)
	prometheus.MustRegister(BucketsLive)
	prometheus.MustRegister(BucketsSealed)
	prometheus.MustRegister(NotificationsSent)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
