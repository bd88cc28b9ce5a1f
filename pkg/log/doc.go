/*
Package log provides structured logging for playpen using zerolog.

A single package-level Logger is shared by every package. It is configured
once at startup with Init and then specialised per component:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
		Output:     os.Stderr,
	})

	sessionLog := log.WithComponent("session")
	sessionLog.Info().Str("runtime", "local").Msg("Sandbox booted")

Context helpers attach the identifiers that matter when reading logs of a
running sandbox session:

  - WithComponent: session, registry, depcache, workspace, ...
  - WithProjectID: the project currently mounted into the sandbox
  - WithProcessID: an entry in the process registry
  - WithClientID: the client session (one per browser tab)

JSON Format:

	{"level":"info","component":"depcache","project_id":"p1","files":1843,"message":"Dependency cache saved"}

Console Format:

	2025-01-02T10:30:00Z INF Dependency cache saved component=depcache files=1843 project_id=p1

Logs go to stderr by default so command output streamed to stdout stays clean.
*/
package log
