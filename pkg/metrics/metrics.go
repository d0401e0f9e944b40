// Package metrics defines the Prometheus instrumentation shared by the
// Build Executor (C5), Index Synchronizer (C6), Link Listing Service (C7)
// and Dependency Resolver (C9), generalizing the teacher's per-builder
// metrics struct into one registerable bundle.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/histogram emitted by the server and worker
// processes. A single instance is created per process and registered once
// against a prometheus.Registerer.
type Metrics struct {
	BuildRequestsTotal  prometheus.Counter
	BuildDuration       prometheus.Histogram
	BuildsFailedTotal   prometheus.Counter
	BuildCacheHitsTotal prometheus.Counter

	SyncRunsTotal     prometheus.Counter
	SyncDuration      prometheus.Histogram
	SyncPackagesTotal prometheus.Counter

	LinkListingsTotal    prometheus.Counter
	LinkCacheHitsTotal   prometheus.Counter
	LinkCacheMissesTotal prometheus.Counter

	ResolveRequestsTotal prometheus.Counter
	ResolveDuration      prometheus.Histogram
	ResolveFailedTotal   prometheus.Counter

	TasksEnqueuedTotal  prometheus.Counter
	TasksProcessedTotal prometheus.Counter
	TasksFailedTotal    prometheus.Counter
	TaskDuration        prometheus.Histogram
}

// New creates an unregistered Metrics bundle.
func New() *Metrics {
	return &Metrics{
		BuildRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_build_requests_total",
			Help: "Total number of rebuild requests handled by the Build Executor.",
		}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "wheelproxy_build_duration_seconds",
			Help: "Duration of a container build invocation.",
		}),
		BuildsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_builds_failed_total",
			Help: "Total number of builds that ended in BuildFailed.",
		}),
		BuildCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_build_already_built_total",
			Help: "Total number of rebuild requests short-circuited because the build was already built.",
		}),
		SyncRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_sync_runs_total",
			Help: "Total number of index synchronization runs.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "wheelproxy_sync_duration_seconds",
			Help: "Duration of an index synchronization run.",
		}),
		SyncPackagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_sync_packages_total",
			Help: "Total number of package updates observed across all synchronization runs.",
		}),
		LinkListingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_link_listings_total",
			Help: "Total number of link listing renders served.",
		}),
		LinkCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_link_cache_hits_total",
			Help: "Total number of link listing requests served from the KV cache.",
		}),
		LinkCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_link_cache_misses_total",
			Help: "Total number of link listing requests that required a Metadata Store read.",
		}),
		ResolveRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_resolve_requests_total",
			Help: "Total number of dependency resolution requests.",
		}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "wheelproxy_resolve_duration_seconds",
			Help: "Duration of a dependency graph compilation.",
		}),
		ResolveFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_resolve_failed_total",
			Help: "Total number of dependency graph compilations that ended in an error.",
		}),
		TasksEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_tasks_enqueued_total",
			Help: "Total number of tasks enqueued onto the task runtime adapter.",
		}),
		TasksProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_tasks_processed_total",
			Help: "Total number of tasks whose handler returned without error.",
		}),
		TasksFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wheelproxy_tasks_failed_total",
			Help: "Total number of task handler invocations that returned an error and were requeued.",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "wheelproxy_task_duration_seconds",
			Help: "Duration of a single task handler invocation.",
		}),
	}
}

// Register registers every collector in m against reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.BuildRequestsTotal, m.BuildDuration, m.BuildsFailedTotal, m.BuildCacheHitsTotal,
		m.SyncRunsTotal, m.SyncDuration, m.SyncPackagesTotal,
		m.LinkListingsTotal, m.LinkCacheHitsTotal, m.LinkCacheMissesTotal,
		m.ResolveRequestsTotal, m.ResolveDuration, m.ResolveFailedTotal,
		m.TasksEnqueuedTotal, m.TasksProcessedTotal, m.TasksFailedTotal, m.TaskDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
