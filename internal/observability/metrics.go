package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callblast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	CampaignTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callblast_campaign_transitions_total", Help: "Campaign status transitions"},
		[]string{"to"},
	)
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callblast_dispatch_outcomes_total", Help: "Recipient dispatch outcomes"},
		[]string{"outcome"},
	)
	ExecutorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callblast_executor_calls_total", Help: "Call executor results"},
		[]string{"result"},
	)
	ExecutorLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "callblast_executor_latency_seconds", Help: "Call executor attempt latency"},
	)
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "callblast_rate_limited_total", Help: "Dispatch waits aborted at the rate limiter"},
	)
	BreakerOpen = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "callblast_breaker_open_total", Help: "Dispatches refused by an open circuit breaker"},
	)
	SchedulerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callblast_scheduler_starts_total", Help: "Scheduler campaign start attempts"},
		[]string{"result"},
	)
	StaleReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "callblast_stale_reclaimed_total", Help: "In-progress recipients reclaimed to pending"},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callblast_events_published_total", Help: "Campaign event publish results"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, CampaignTransitions, DispatchOutcomes,
		ExecutorCalls, ExecutorLatency, RateLimited, BreakerOpen,
		SchedulerStarts, StaleReclaimed, EventsPublished,
	)
}
