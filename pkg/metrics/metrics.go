package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionBootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playpen_session_boots_total",
			Help: "Total number of underlying sandbox boots by result",
		},
		[]string{"result"},
	)

	SessionBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playpen_session_boot_duration_seconds",
			Help:    "Time taken to boot the sandbox",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "playpen_session_state",
			Help: "Current session state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	// Process metrics
	TrackedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playpen_tracked_processes",
			Help: "Number of processes currently tracked by the registry",
		},
	)

	ProcessKillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playpen_process_kills_total",
			Help: "Total number of forced process terminations by result",
		},
		[]string{"result"},
	)

	// Command metrics
	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playpen_command_duration_seconds",
			Help:    "Duration of captured sandbox commands",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"command"},
	)

	CommandTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playpen_command_timeouts_total",
			Help: "Total number of command timeouts by outcome (timeout, delayed_success)",
		},
		[]string{"outcome"},
	)

	// Dependency cache metrics
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playpen_depcache_lookups_total",
			Help: "Total number of dependency cache lookups by result",
		},
		[]string{"result"},
	)

	CacheSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playpen_depcache_saves_total",
			Help: "Total number of dependency cache saves by result",
		},
		[]string{"result"},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playpen_depcache_entries",
			Help: "Number of projects with a cached dependency tree",
		},
	)

	CachePrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playpen_depcache_pruned_total",
			Help: "Total number of cache entries removed by pruning",
		},
	)

	// Workspace metrics
	InstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playpen_installs_total",
			Help: "Total number of dependency installs by source (session, cache, package_manager)",
		},
		[]string{"source"},
	)

	DevServerReadyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playpen_devserver_ready_duration_seconds",
			Help:    "Time from dev server spawn until it serves requests",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	ProjectSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playpen_project_saves_total",
			Help: "Total number of project source saves by result (saved, coalesced, failed)",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionBootsTotal)
	prometheus.MustRegister(SessionBootDuration)
	prometheus.MustRegister(SessionState)
	prometheus.MustRegister(TrackedProcesses)
	prometheus.MustRegister(ProcessKillsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(CommandTimeoutsTotal)
	prometheus.MustRegister(CacheLookupsTotal)
	prometheus.MustRegister(CacheSavesTotal)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(CachePrunedTotal)
	prometheus.MustRegister(InstallsTotal)
	prometheus.MustRegister(DevServerReadyDuration)
	prometheus.MustRegister(ProjectSavesTotal)
}

// SetSessionState marks state as the active session state
func SetSessionState(state string, all []string) {
	for _, s := range all {
		if s == state {
			SessionState.WithLabelValues(s).Set(1)
		} else {
			SessionState.WithLabelValues(s).Set(0)
		}
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
