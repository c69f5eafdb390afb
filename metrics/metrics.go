// Package metrics holds the library's Prometheus collectors. It follows
// the package-level-vars-plus-init-MustRegister pattern used throughout the
// teacher repo (e.g. the alertmanager command's configSuccess/configHash
// gauges and notify's per-integration notification counters).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TasksStarted counts task chains that began running, labeled by
	// "plain" or "streaming".
	TasksStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "libasync",
		Name:      "tasks_started_total",
		Help:      "Total number of task chains started, by kind.",
	}, []string{"kind"})

	// TasksFailed counts chain iterations whose stage functions raised,
	// labeled the same way as TasksStarted.
	TasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "libasync",
		Name:      "tasks_failed_total",
		Help:      "Total number of chain iterations that invoked OnException, by kind.",
	}, []string{"kind"})

	// NotificationsPublished counts notify.Publish calls that found a
	// bound handler, labeled by the published type's name.
	NotificationsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "libasync",
		Name:      "notifications_published_total",
		Help:      "Total number of notify.Publish calls that were delivered, by type.",
	}, []string{"type"})

	// QueueDepth reports the current buffered length of a named
	// ObservableQueue.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "libasync",
		Name:      "queue_depth",
		Help:      "Current number of items buffered in an observable queue, by queue name.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(TasksStarted, TasksFailed, NotificationsPublished, QueueDepth)
}
