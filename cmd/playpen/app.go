package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/playpen/pkg/command"
	"github.com/cuemby/playpen/pkg/config"
	"github.com/cuemby/playpen/pkg/depcache"
	"github.com/cuemby/playpen/pkg/events"
	"github.com/cuemby/playpen/pkg/fs"
	"github.com/cuemby/playpen/pkg/health"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/cuemby/playpen/pkg/projectstate"
	"github.com/cuemby/playpen/pkg/registry"
	"github.com/cuemby/playpen/pkg/runtime"
	"github.com/cuemby/playpen/pkg/session"
	"github.com/cuemby/playpen/pkg/storage"
	"github.com/cuemby/playpen/pkg/types"
	"github.com/cuemby/playpen/pkg/workspace"
	"github.com/fatih/color"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
)

const clientIDFile = "client-id"

// app is one client session wired from the configuration
type app struct {
	store  *storage.BoltStore
	broker *events.Broker
	ws     *workspace.Workspace
}

// openStore opens the durable store in the data directory
func openStore() (*storage.BoltStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("%w (is another playpen session using %s?)", err, cfg.DataDir)
	}
	return store, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	clientID, err := resolveClientID(cmd)
	if err != nil {
		return nil, err
	}

	store, err := openStore()
	if err != nil {
		return nil, err
	}

	commands, err := toolchain()
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	sess := session.NewManager(newRuntime(), session.Config{
		RaceRecoveryDelay: cfg.Session.RaceRecoveryDelay.Std(),
		Events:            broker,
	})
	files := fs.New(sess)
	runner := command.NewRunner(sess, files)

	rebuild, _ := config.Argv(cfg.Commands.Rebuild)

	ws, err := workspace.New(workspace.Components{
		Session:  sess,
		Files:    files,
		Runner:   runner,
		Registry: registry.New(broker),
		Cache: depcache.New(store, files, runner, broker, depcache.Config{
			ProjectDir:     cfg.Project.Dir,
			DependencyDir:  cfg.Project.DependencyDir,
			Exclude:        cfg.Cache.Exclude,
			RebuildCommand: rebuild,
			RebuildTimeout: cfg.Cache.RebuildTimeout.Std(),
		}),
		State:  projectstate.New(clientID, store, sess),
		Events: broker,
	}, workspace.Config{
		ProjectDir:      cfg.Project.Dir,
		Manifest:        cfg.Project.Manifest,
		DependencyDir:   cfg.Project.DependencyDir,
		OutputDir:       cfg.Project.OutputDir,
		TreeExclude:     cfg.Project.TreeExclude,
		DevPort:         cfg.Project.DevPort,
		DevCheck:        health.CheckType(cfg.Project.DevCheck),
		Commands:        commands,
		InstallTimeout:  cfg.Timeouts.Install.Std(),
		BuildTimeout:    cfg.Timeouts.Build.Std(),
		CheckTimeout:    cfg.Timeouts.Check.Std(),
		DevReadyTimeout: cfg.Timeouts.DevReady.Std(),
		BuildKillAfter:  cfg.Timeouts.BuildKillAfter.Std(),
		Output:          os.Stdout,
	})
	if err != nil {
		broker.Stop()
		store.Close()
		return nil, err
	}

	metrics.RegisterComponent(metrics.ComponentStore, true, "")
	metrics.RegisterComponent(metrics.ComponentSandbox, false, string(types.SessionStateNotBooted))

	return &app{store: store, broker: broker, ws: ws}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.ws.Close(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to shut down sandbox")
	}
	a.broker.Stop()
	if err := a.store.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to close store")
	}
}

func newRuntime() runtime.Runtime {
	if cfg.Runtime.Type == config.RuntimeContainerd {
		return runtime.NewContainerdRuntime(runtime.ContainerdConfig{
			SocketPath: cfg.Runtime.Containerd.Socket,
			Namespace:  cfg.Runtime.Containerd.Namespace,
			Image:      cfg.Runtime.Containerd.Image,
			HostRoot:   cfg.SandboxRoot(),
		})
	}
	return runtime.NewLocalRuntime(runtime.LocalConfig{
		Root:      cfg.SandboxRoot(),
		KeepFiles: cfg.Runtime.KeepFiles,
	})
}

func toolchain() (workspace.Commands, error) {
	var (
		c    workspace.Commands
		errs []error
	)
	split := func(line string) []string {
		argv, err := config.Argv(line)
		errs = append(errs, err)
		return argv
	}

	c.Install = split(cfg.Commands.Install)
	c.Dev = split(cfg.Commands.Dev)
	c.Build = split(cfg.Commands.Build)
	c.Typecheck = split(cfg.Commands.Typecheck)
	c.Lint = split(cfg.Commands.Lint)
	return c, errors.Join(errs...)
}

// resolveClientID returns the client session to use. Without an explicit ID
// the last session's ID is resumed from the data directory.
func resolveClientID(cmd *cobra.Command) (string, error) {
	if cfg.ClientID != "" {
		return cfg.ClientID, nil
	}

	path := filepath.Join(cfg.DataDir, clientIDFile)
	fresh, _ := cmd.Flags().GetBool("new-client")
	if !fresh {
		data, err := os.ReadFile(path)
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			return strings.TrimSpace(string(data)), nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to read client ID: %w", err)
		}
	}

	id := ksuid.New().String()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to save client ID: %w", err)
	}
	return id, nil
}

// openProject opens projectID and mounts the project from dir on the host
func (a *app) openProject(ctx context.Context, projectID, dir string) error {
	files, err := readProjectDir(dir)
	if err != nil {
		return err
	}
	if err := a.ws.Open(ctx, projectID); err != nil {
		return err
	}

	fmt.Printf("Mounting %d files from %s...\n", len(files), dir)
	return a.ws.Mount(ctx, files)
}

// readProjectDir loads the project sources from the host, skipping the same
// directories the sandbox scans skip
func readProjectDir(dir string) (map[string][]byte, error) {
	skip := projectExclude()
	files := make(map[string][]byte)

	err := filepath.WalkDir(dir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read project %s: %w", dir, err)
	}
	return files, nil
}

func projectExclude() map[string]bool {
	skip := map[string]bool{
		cfg.Project.DependencyDir: true,
		cfg.Project.OutputDir:     true,
	}
	for _, name := range cfg.Project.TreeExclude {
		skip[name] = true
	}
	return skip
}

// followEvents prints session progress until the broker stops
func (a *app) followEvents(out io.Writer) {
	sub := a.broker.Subscribe()
	go func() {
		for event := range sub {
			printEvent(out, event)
		}
	}()
}

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
)

func printEvent(out io.Writer, event *events.Event) {
	switch event.Type {
	case events.EventSessionReady, events.EventCacheHit, events.EventCacheSaved,
		events.EventInstallCompleted, events.EventDevServerReady:
		fmt.Fprintf(out, "%s %s %s\n", okMark("✓"), event.Type, event.Message)
	case events.EventSessionFailed, events.EventInstallFailed, events.EventDevServerExited:
		fmt.Fprintf(out, "%s %s %s\n", failMark("✗"), event.Type, event.Message)
	case events.EventCacheMiss, events.EventCommandTimeout, events.EventProjectSwitched,
		events.EventProcessKilled:
		fmt.Fprintf(out, "%s %s %s\n", warnMark("!"), event.Type, event.Message)
	default:
		log.Logger.Debug().Str("event", string(event.Type)).Str("message", event.Message).Msg("Event")
	}
}

// serveEndpoints exposes metrics, health and session status on addr
func serveEndpoints(addr string, ws *workspace.Workspace) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := ws.Status()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error().Err(err).Str("addr", addr).Msg("Endpoint server failed")
		}
	}()
	return server
}
