package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/cuemby/playpen/pkg/command"
	"github.com/cuemby/playpen/pkg/depcache"
	"github.com/cuemby/playpen/pkg/devserver"
	"github.com/cuemby/playpen/pkg/errdefs"
	"github.com/cuemby/playpen/pkg/events"
	"github.com/cuemby/playpen/pkg/fs"
	"github.com/cuemby/playpen/pkg/health"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/cuemby/playpen/pkg/projectstate"
	"github.com/cuemby/playpen/pkg/registry"
	"github.com/cuemby/playpen/pkg/runtime"
	"github.com/cuemby/playpen/pkg/session"
	"github.com/cuemby/playpen/pkg/types"
	"github.com/rs/zerolog"
)

const (
	InstallSourceSession        = "session"
	InstallSourceCache          = "cache"
	InstallSourcePackageManager = "package_manager"
)

// ErrNoProject is returned by project operations before Open
var ErrNoProject = errors.New("no project open")

// Commands are the toolchain invocations, as argv
type Commands struct {
	Install   []string
	Dev       []string
	Build     []string
	Typecheck []string
	Lint      []string
}

// Config configures a Workspace
type Config struct {
	// ProjectDir is where the project is mounted, relative to the sandbox root
	ProjectDir    string
	Manifest      string
	DependencyDir string
	OutputDir     string

	// TreeExclude is skipped by source scans in addition to the dependency
	// and output directories
	TreeExclude []string

	// DevPort is probed directly when set
	DevPort  int
	DevCheck health.CheckType

	Commands Commands

	InstallTimeout  time.Duration
	BuildTimeout    time.Duration
	CheckTimeout    time.Duration
	DevReadyTimeout time.Duration
	BuildKillAfter  time.Duration

	// Output receives the output of long-running commands as it is produced
	Output io.Writer
}

// Components are the collaborators a Workspace drives
type Components struct {
	Session  *session.Manager
	Files    *fs.FS
	Runner   *command.Runner
	Registry *registry.Registry
	Cache    *depcache.Cache
	State    *projectstate.Tracker
	Events   *events.Broker
}

// Workspace is one client session's view of the sandbox: the project that is
// mounted in it, its dependencies and its dev server.
type Workspace struct {
	Components
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	projectID string
	installed installMark

	// installMu serializes installs, devMu serializes dev server starts
	installMu sync.Mutex
	devMu     sync.Mutex
}

// installMark records that dependencies for a manifest are installed in a
// particular boot of the sandbox
type installMark struct {
	instanceID   string
	manifestHash string
}

// InstallResult describes how dependencies were made available
type InstallResult struct {
	Source       string
	ManifestHash string
	Output       string
	Duration     time.Duration
}

// DevServer describes a serving dev server
type DevServer struct {
	ProjectID  string `json:"project_id"`
	PreviewURL string `json:"preview_url"`
	ProcessID  string `json:"process_id"`
	Reused     bool   `json:"reused"`
}

// BuildResult is a finished build and its output tree
type BuildResult struct {
	Output   string
	ExitCode int
	Delayed  bool
	Duration time.Duration
	Files    []fs.File
}

// CheckResult is the raw outcome of a validation command
type CheckResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	TimedOut bool   `json:"timed_out"`
}

// Validation holds the type-check and lint outcomes. Interpreting the output
// is left to the caller.
type Validation struct {
	Typecheck CheckResult `json:"typecheck"`
	Lint      CheckResult `json:"lint"`
}

// Passed reports whether every check exited zero
func (v *Validation) Passed() bool {
	return v.Typecheck.ExitCode == 0 && v.Lint.ExitCode == 0
}

// Status is a diagnostic snapshot. Taking it never boots the sandbox.
type Status struct {
	ClientID              string                     `json:"client_id"`
	Runtime               string                     `json:"runtime"`
	Session               types.SessionState         `json:"session"`
	LastError             string                     `json:"last_error,omitempty"`
	ProjectID             string                     `json:"project_id,omitempty"`
	DependenciesInstalled bool                       `json:"dependencies_installed"`
	State                 *types.ProjectSessionState `json:"state"`
	StateTrusted          bool                       `json:"state_trusted"`
	Processes             []types.ProcessInfo        `json:"processes"`
}

// Validate checks that every command is set
func (c Commands) Validate() error {
	for _, cmd := range []struct {
		name string
		argv []string
	}{
		{"install", c.Install},
		{"dev", c.Dev},
		{"build", c.Build},
		{"typecheck", c.Typecheck},
		{"lint", c.Lint},
	} {
		if len(cmd.argv) == 0 || cmd.argv[0] == "" {
			return fmt.Errorf("%s command is empty", cmd.name)
		}
	}
	return nil
}

// New creates a workspace. It fails when a command is missing.
func New(c Components, cfg Config) (*Workspace, error) {
	if err := cfg.Commands.Validate(); err != nil {
		return nil, err
	}

	if cfg.Manifest == "" {
		cfg.Manifest = "package.json"
	}
	if cfg.DependencyDir == "" {
		cfg.DependencyDir = depcache.DefaultDependencyDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "dist"
	}
	if cfg.DevReadyTimeout <= 0 {
		cfg.DevReadyTimeout = devserver.DefaultReadyTimeout
	}

	return &Workspace{
		Components: c,
		cfg:        cfg,
		logger:     log.WithClientID(c.State.ClientID()),
	}, nil
}

// EnsureBooted boots the sandbox if it is not already running
func (w *Workspace) EnsureBooted(ctx context.Context) (runtime.Instance, error) {
	return w.Session.Boot(ctx)
}

// ProjectID returns the open project
func (w *Workspace) ProjectID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.projectID
}

// Open makes projectID the current project. Switching away from another
// project sweeps every tracked process, empties the project directory and
// forgets installed dependencies before the new project's state is recorded. Reopening the same project
// keeps its state, so a dev server that is still serving can be reused.
func (w *Workspace) Open(ctx context.Context, projectID string) error {
	if projectID == "" {
		return errors.New("project ID is required")
	}

	state, err := w.State.Get()
	if err != nil {
		return err
	}

	w.mu.Lock()
	previous := w.projectID
	w.mu.Unlock()
	if previous == "" && state != nil {
		previous = state.ProjectID
	}

	if previous != "" && previous != projectID {
		killed := w.sweep(ctx)
		if err := w.Files.Clear(ctx, w.cfg.ProjectDir); err != nil {
			return fmt.Errorf("failed to clear the tree of %s: %w", previous, err)
		}
		if err := w.State.Clear(); err != nil {
			return err
		}
		w.logger.Info().
			Str("from", previous).
			Str("to", projectID).
			Int("killed", killed).
			Msg("Switched project")
		w.Events.Emit(events.EventProjectSwitched, projectID, map[string]string{
			"from":   previous,
			"killed": fmt.Sprint(killed),
		})
		state = nil
	}

	if state == nil || state.ProjectID != projectID {
		if err := w.State.SetProject(projectID); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.projectID = projectID
	w.mu.Unlock()

	w.Events.Emit(events.EventProjectOpened, projectID, nil)
	return nil
}

// sweep kills every tracked process and forgets installed dependencies
func (w *Workspace) sweep(ctx context.Context) int {
	if state, err := w.State.Get(); err == nil {
		devserver.Release(state.DevServer())
	}
	killed := w.Registry.KillAll(ctx)

	w.mu.Lock()
	w.installed = installMark{}
	w.mu.Unlock()
	return killed
}

// Reset sweeps all processes and clears the project state
func (w *Workspace) Reset(ctx context.Context) error {
	killed := w.sweep(ctx)
	if err := w.State.Clear(); err != nil {
		return err
	}

	w.mu.Lock()
	projectID := w.projectID
	w.projectID = ""
	w.mu.Unlock()

	w.logger.Info().Str("project_id", projectID).Int("killed", killed).Msg("Workspace reset")
	w.Events.Emit(events.EventProjectReset, projectID, map[string]string{"killed": fmt.Sprint(killed)})
	return nil
}

// Mount writes the project files into the sandbox, booting it if needed
func (w *Workspace) Mount(ctx context.Context, files map[string][]byte) error {
	if _, err := w.requireProject(); err != nil {
		return err
	}
	return w.Files.Mount(ctx, w.cfg.ProjectDir, files)
}

// WriteFile writes one project file
func (w *Workspace) WriteFile(ctx context.Context, name string, data []byte) error {
	if _, err := w.requireProject(); err != nil {
		return err
	}
	return w.Files.WriteFile(ctx, w.projectPath(name), data)
}

// RemoveFile deletes a project file or directory
func (w *Workspace) RemoveFile(ctx context.Context, name string) error {
	if _, err := w.requireProject(); err != nil {
		return err
	}
	if path.Clean(name) == "." {
		return errors.New("refusing to remove the project root")
	}
	return w.Files.Remove(ctx, w.projectPath(name))
}

// Install makes the project's dependencies available. In order it tries the
// dependencies already installed in this sandbox for the same manifest, the
// dependency cache, and finally the package manager. A successful package
// manager install is saved to the cache on a best-effort basis.
func (w *Workspace) Install(ctx context.Context) (*InstallResult, error) {
	projectID, err := w.requireProject()
	if err != nil {
		return nil, err
	}

	w.installMu.Lock()
	defer w.installMu.Unlock()

	inst, err := w.EnsureBooted(ctx)
	if err != nil {
		return nil, err
	}

	logger := log.WithProjectID(projectID)
	timer := metrics.NewTimer()

	manifest, err := w.Files.ReadFile(ctx, w.projectPath(w.cfg.Manifest))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", w.cfg.Manifest, err)
	}
	hash := depcache.ComputeManifestHash(manifest)
	mark := installMark{instanceID: inst.ID(), manifestHash: hash}

	result := &InstallResult{ManifestHash: hash}
	done := func(source string) (*InstallResult, error) {
		w.mu.Lock()
		w.installed = mark
		w.mu.Unlock()

		result.Source = source
		result.Duration = timer.Duration()
		metrics.InstallsTotal.WithLabelValues(source).Inc()
		logger.Info().
			Str("source", source).
			Str("manifest_hash", hash).
			Dur("duration", result.Duration).
			Msg("Dependencies installed")
		w.Events.Emit(events.EventInstallCompleted, projectID, map[string]string{"source": source})
		return result, nil
	}

	w.mu.Lock()
	current := w.installed
	w.mu.Unlock()
	if current == mark {
		return done(InstallSourceSession)
	}

	restored, err := w.Cache.Restore(ctx, projectID, manifest)
	if err != nil {
		logger.Warn().Err(err).Msg("Dependency cache restore failed, running full install")
	}
	if restored {
		return done(InstallSourceCache)
	}

	argv := w.cfg.Commands.Install
	w.Events.Emit(events.EventInstallStarted, projectID, nil)

	res, err := w.Runner.RunAndCaptureWith(ctx, argv[0], argv[1:], w.cfg.InstallTimeout, command.Options{
		Dir:    w.cfg.ProjectDir,
		Output: w.cfg.Output,
	})
	if err != nil {
		w.abandon(res, err)
		w.Events.Emit(events.EventInstallFailed, projectID, map[string]string{"error": err.Error()})
		output := ""
		if res != nil {
			output = res.Output
		}
		return nil, &errdefs.Error{
			Kind:     errdefs.ErrInstallFailure,
			Op:       commandLine(res, argv),
			Output:   output,
			ExitCode: -1,
			Cause:    err,
		}
	}
	result.Output = res.Output

	if res.ExitCode != 0 {
		logger.Error().
			Int("exit_code", res.ExitCode).
			Str("output", command.Tail(res.Output, 2048)).
			Msg("Dependency install failed")
		w.Events.Emit(events.EventInstallFailed, projectID, map[string]string{"exit_code": fmt.Sprint(res.ExitCode)})
		return nil, errdefs.WithOutput(errdefs.ErrInstallFailure, res.Command, res.Output, res.ExitCode)
	}

	if err := w.Cache.Save(ctx, projectID, manifest); err != nil {
		logger.Warn().Err(err).Msg("Failed to save dependency cache")
	}
	return done(InstallSourcePackageManager)
}

// StartDev returns the project's dev server, starting it when no serving
// one is known. A recorded server is reused only while the sandbox is live
// and its process is still tracked.
func (w *Workspace) StartDev(ctx context.Context) (*DevServer, error) {
	projectID, err := w.requireProject()
	if err != nil {
		return nil, err
	}

	w.devMu.Lock()
	defer w.devMu.Unlock()

	logger := log.WithProjectID(projectID)

	if w.State.IsReady(projectID) {
		state, err := w.State.Get()
		if err == nil && state != nil && w.Registry.IsLive(state.DevServer()) {
			logger.Info().Str("url", state.Preview()).Msg("Reusing running dev server")
			return &DevServer{
				ProjectID:  projectID,
				PreviewURL: state.Preview(),
				ProcessID:  state.DevServer(),
				Reused:     true,
			}, nil
		}
		logger.Info().Msg("Recorded dev server is gone, starting a new one")
	}

	if _, err := w.Install(ctx); err != nil {
		return nil, err
	}

	inst, err := w.EnsureBooted(ctx)
	if err != nil {
		return nil, err
	}

	argv := w.cfg.Commands.Dev
	srv, err := devserver.Start(ctx, w.Runner, w.Registry, inst, w.Events, devserver.Spec{
		Command:      argv[0],
		Args:         argv[1:],
		Dir:          w.cfg.ProjectDir,
		Port:         w.cfg.DevPort,
		ReadyTimeout: w.cfg.DevReadyTimeout,
		Check:        w.cfg.DevCheck,
		Output:       w.cfg.Output,
	})
	if err != nil {
		return nil, err
	}

	info, err := srv.Wait(ctx)
	if err != nil {
		w.Registry.Kill(context.WithoutCancel(ctx), srv.ProcessID())
		return nil, fmt.Errorf("dev server for %s: %w", projectID, err)
	}

	if err := w.State.MarkReady(projectID, info.URL, srv.ProcessID()); err != nil {
		return nil, err
	}

	return &DevServer{
		ProjectID:  projectID,
		PreviewURL: info.URL,
		ProcessID:  srv.ProcessID(),
	}, nil
}

// StopDev kills the recorded dev server and marks the project not ready
func (w *Workspace) StopDev(ctx context.Context) (bool, error) {
	projectID, err := w.requireProject()
	if err != nil {
		return false, err
	}

	w.devMu.Lock()
	defer w.devMu.Unlock()

	state, err := w.State.Get()
	if err != nil {
		return false, err
	}

	killed := false
	if id := state.DevServer(); id != "" {
		devserver.Release(id)
		killed = w.Registry.Kill(ctx, id)
	}
	return killed, w.State.SetProject(projectID)
}

// Build installs dependencies, runs the build and collects its output tree.
// A build that outlives its timeout still succeeds when it has produced the
// output directory. A non-zero exit is returned with the captured output.
func (w *Workspace) Build(ctx context.Context) (*BuildResult, error) {
	projectID, err := w.requireProject()
	if err != nil {
		return nil, err
	}

	if _, err := w.Install(ctx); err != nil {
		return nil, err
	}

	outDir := w.projectPath(w.cfg.OutputDir)

	// A stale output directory would pass for a finished build
	if err := w.Files.Remove(ctx, outDir); err != nil {
		return nil, fmt.Errorf("failed to clear build output: %w", err)
	}

	argv := w.cfg.Commands.Build
	res, err := w.Runner.RunExpectingArtifact(ctx, argv[0], argv[1:], w.cfg.BuildTimeout, outDir, command.Options{
		Dir:       w.cfg.ProjectDir,
		Output:    w.cfg.Output,
		KillAfter: w.cfg.BuildKillAfter,
	})
	if err != nil {
		w.abandon(res, err)
		return nil, err
	}
	if res.Delayed {
		w.Events.Emit(events.EventCommandTimeout, res.Command, map[string]string{
			"project_id": projectID,
			"outcome":    "delayed_success",
		})
		// still running; keep it sweepable
		w.Registry.Track(res.Process, res.Command)
	}

	if res.ExitCode != 0 {
		return nil, errdefs.WithOutput(errdefs.ErrCommandFailure, res.Command, res.Output, res.ExitCode)
	}

	files, err := w.Files.CollectFiles(ctx, outDir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to collect build output: %w", err)
	}

	logger := log.WithProjectID(projectID)
	logger.Info().
		Int("files", len(files)).
		Bool("delayed", res.Delayed).
		Dur("duration", res.Duration).
		Msg("Build finished")

	return &BuildResult{
		Output:   res.Output,
		ExitCode: res.ExitCode,
		Delayed:  res.Delayed,
		Duration: res.Duration,
		Files:    files,
	}, nil
}

// Validate runs the type-check and lint commands and returns their raw exit
// codes and output. A check that times out is reported with TimedOut set.
func (w *Workspace) Validate(ctx context.Context) (*Validation, error) {
	if _, err := w.requireProject(); err != nil {
		return nil, err
	}

	if _, err := w.Install(ctx); err != nil {
		return nil, err
	}

	typecheck, err := w.check(ctx, w.cfg.Commands.Typecheck)
	if err != nil {
		return nil, err
	}
	lint, err := w.check(ctx, w.cfg.Commands.Lint)
	if err != nil {
		return nil, err
	}
	return &Validation{Typecheck: *typecheck, Lint: *lint}, nil
}

func (w *Workspace) check(ctx context.Context, argv []string) (*CheckResult, error) {
	res, err := w.Runner.RunAndCaptureWith(ctx, argv[0], argv[1:], w.cfg.CheckTimeout, command.Options{
		Dir: w.cfg.ProjectDir,
	})
	if err != nil && !errdefs.IsTimeout(err) {
		return nil, err
	}
	if err != nil {
		w.abandon(res, err)
		return &CheckResult{Command: res.Command, ExitCode: -1, Output: res.Output, TimedOut: true}, nil
	}
	return &CheckResult{Command: res.Command, ExitCode: res.ExitCode, Output: res.Output}, nil
}

// abandon keeps a timed out command in the registry so a later sweep
// terminates it
func (w *Workspace) abandon(res *command.Result, err error) {
	if res == nil || res.Process == nil || !errdefs.IsTimeout(err) {
		return
	}
	id := w.Registry.Track(res.Process, res.Command)
	w.Events.Emit(events.EventCommandTimeout, res.Command, map[string]string{
		"process_id": id,
		"outcome":    "timeout",
	})
}

// SourceTree lists the project, leaving out dependencies and build output
func (w *Workspace) SourceTree(ctx context.Context) (*fs.Node, error) {
	if _, err := w.requireProject(); err != nil {
		return nil, err
	}
	return w.Files.ReadTree(ctx, w.projectPath(""), w.treeExclude())
}

// SourceFiles reads every project source file, leaving out dependencies and
// build output
func (w *Workspace) SourceFiles(ctx context.Context) ([]fs.File, error) {
	if _, err := w.requireProject(); err != nil {
		return nil, err
	}
	return w.Files.CollectFiles(ctx, w.projectPath(""), w.treeExclude())
}

// Status reports the session without booting it
func (w *Workspace) Status() (*Status, error) {
	state, err := w.State.Get()
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	projectID := w.projectID
	installed := w.installed
	w.mu.Unlock()
	if projectID == "" && state != nil {
		projectID = state.ProjectID
	}

	status := &Status{
		ClientID:  w.State.ClientID(),
		Runtime:   w.Session.RuntimeName(),
		Session:   w.Session.State(),
		ProjectID: projectID,
		State:     state,
		Processes: w.Registry.List(),
	}
	if err := w.Session.LastError(); err != nil {
		status.LastError = err.Error()
	}
	if inst, err := w.Session.GetIfBooted(); err == nil {
		status.DependenciesInstalled = installed.instanceID == inst.ID()
	}
	if projectID != "" {
		status.StateTrusted = w.State.IsReady(projectID)
	}
	return status, nil
}

// Close sweeps all processes and shuts the sandbox down
func (w *Workspace) Close(ctx context.Context) error {
	w.sweep(ctx)
	return w.Session.Shutdown(ctx)
}

// SandboxState implements metrics.Source
func (w *Workspace) SandboxState() (string, bool) {
	state := w.Session.State()
	return string(state), state == types.SessionStateReady
}

// TrackedProcesses implements metrics.Source
func (w *Workspace) TrackedProcesses() int {
	return w.Registry.Len()
}

// CacheEntries implements metrics.Source
func (w *Workspace) CacheEntries() (int, error) {
	entries, err := w.Cache.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (w *Workspace) requireProject() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.projectID == "" {
		return "", ErrNoProject
	}
	return w.projectID, nil
}

func (w *Workspace) projectPath(name string) string {
	return path.Join(w.cfg.ProjectDir, name)
}

func (w *Workspace) treeExclude() []string {
	return append([]string{w.cfg.DependencyDir, w.cfg.OutputDir}, w.cfg.TreeExclude...)
}

func commandLine(res *command.Result, argv []string) string {
	if res != nil {
		return res.Command
	}
	return fmt.Sprint(argv)
}
