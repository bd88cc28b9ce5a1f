/*
Package metrics provides Prometheus metrics and component health for playpen.

All metrics are registered with the default registry at package init and
exposed through Handler. Names are prefixed with playpen_:

  - playpen_session_boots_total{result}, playpen_session_boot_duration_seconds
  - playpen_session_state{state}
  - playpen_tracked_processes, playpen_process_kills_total{result}
  - playpen_command_duration_seconds{command}, playpen_command_timeouts_total{outcome}
  - playpen_depcache_lookups_total{result}, playpen_depcache_saves_total{result},
    playpen_depcache_entries, playpen_depcache_pruned_total
  - playpen_installs_total{source}, playpen_devserver_ready_duration_seconds
  - playpen_project_saves_total{result}

Component health is tracked in a package-level checker. The sandbox and store
components are critical: /ready answers 503 until both are registered and
healthy. /health reports every component and /live always answers 200.

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SessionBootDuration)
*/
package metrics
