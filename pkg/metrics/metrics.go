package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	TrackingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_tracking_events_total", Help: "Tracking pixel and redirect hits recorded"},
		[]string{"kind"},
	)

	CampaignTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_campaign_transitions_total", Help: "Campaign lifecycle transitions"},
		[]string{"event", "to"},
	)
	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "engine_jobs_claimed_total", Help: "Message logs claimed for delivery"},
	)
	ClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "engine_claim_conflicts_total", Help: "Claims lost to another executor or a status change"},
	)
	JobsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_jobs_sent_total", Help: "Messages accepted by the transport"},
		[]string{"step"},
	)
	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_jobs_failed_total", Help: "Messages marked failed"},
		[]string{"class"},
	)
	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "engine_job_retries_total", Help: "Transient failures scheduled for retry"},
	)
	JobsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_jobs_skipped_total", Help: "Pending message logs marked skipped"},
		[]string{"reason"},
	)
	JobProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_job_process_duration_seconds",
			Help:    "Time spent processing a job",
			Buckets: prometheus.DefBuckets,
		},
	)
	ReadyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "engine_ready_queue_depth", Help: "Jobs waiting in the in-process ready queue"},
	)
	EngagementSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_engagement_signals_total", Help: "Engagement signals recorded"},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration, TrackingEventsTotal,
		CampaignTransitions, JobsClaimed, ClaimConflicts, JobsSent, JobsFailed, JobRetries,
		JobsSkipped, JobProcessDuration, ReadyQueueDepth, EngagementSignals,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
