// Package metrics exposes the broker's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksSubmitted counts task submissions by mode ("urgent", "regular").
	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offloadmq_tasks_submitted_total",
			Help: "Total number of tasks submitted by mode",
		},
		[]string{"mode"},
	)

	// PickUps counts pick-up attempts by mode and outcome ("won", "lost").
	PickUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offloadmq_pickups_total",
			Help: "Total number of task pick-up attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// Reports counts final task reports by mode and result.
	Reports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offloadmq_reports_total",
			Help: "Total number of task result reports by mode and result",
		},
		[]string{"mode", "result"},
	)

	// UrgentExpired counts urgent tasks failed by the TTL sweeper.
	UrgentExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offloadmq_urgent_expired_total",
			Help: "Total number of urgent tasks expired by the TTL sweeper",
		},
	)

	// OnlineAgents tracks the number of agents currently online.
	OnlineAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offloadmq_agents_online",
			Help: "Number of agents whose last contact is within the online window",
		},
	)

	// HTTPRequests counts API requests by path pattern and status class.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offloadmq_http_requests_total",
			Help: "Total number of HTTP requests by route and status class",
		},
		[]string{"route", "class"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksSubmitted,
		PickUps,
		Reports,
		UrgentExpired,
		OnlineAgents,
		HTTPRequests,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
