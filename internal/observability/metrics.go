// Package observability exposes control-plane health as Prometheus
// metrics: an EventSink that turns hook events into counters, and a
// Collector that periodically snapshots runner/task/incident counts
// straight from the stores. Grounded on
// itskum47-FluxForge/control_plane/observability/metrics.go's package-level
// promauto declarations and main.go's runMetricsCollector ticker-driven
// snapshot loop.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// EventsTotal counts every hook event dispatched, by type and project.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steroids_events_total",
		Help: "Total number of lifecycle hook events dispatched, by event type",
	}, []string{"event", "project"})

	// TasksByStatus is a point-in-time snapshot of task counts per status,
	// refreshed by Collector.
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steroids_tasks_by_status",
		Help: "Current number of tasks in each status, per project",
	}, []string{"project", "status"})

	// RunnersByStatus is a point-in-time snapshot of runner row counts per
	// status, refreshed by Collector.
	RunnersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steroids_runners_by_status",
		Help: "Current number of runner rows in each status",
	}, []string{"status"})

	// UnresolvedIncidents is a point-in-time snapshot of open incidents,
	// refreshed by Collector.
	UnresolvedIncidents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steroids_unresolved_incidents",
		Help: "Current number of unresolved incidents, per project",
	}, []string{"project"})

	// CreditPauses counts how often the Credit-Pause Controller has had to
	// block a role, by project and role.
	CreditPauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steroids_credit_pauses_total",
		Help: "Total number of credit-exhaustion pauses entered, by project and role",
	}, []string{"project", "role"})

	// StuckFindings counts stuck-task detector findings by failure mode.
	StuckFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steroids_stuck_findings_total",
		Help: "Total number of stuck-task detector findings, by failure mode and recovery outcome",
	}, []string{"project", "mode", "recovered"})
)

// Handler returns the HTTP handler the CLI/HTTP-API shell mounts at
// /metrics; kept here rather than in the shell so every metric this
// package declares is scraped through one well-known endpoint regardless
// of which binary wires it in.
func Handler() http.Handler {
	return promhttp.Handler()
}
