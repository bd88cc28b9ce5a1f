package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cuemby/playpen/pkg/fs"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/cuemby/playpen/pkg/preview"
	"github.com/cuemby/playpen/pkg/storage"
	"github.com/cuemby/playpen/pkg/throttle"
	"github.com/cuemby/playpen/pkg/types"
	"github.com/cuemby/playpen/pkg/workspace"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var devCmd = &cobra.Command{
	Use:   "dev PROJECT_ID DIR",
	Short: "Run the project's dev server and sync edits into the sandbox",
	Long: `Mount DIR into the sandbox as PROJECT_ID, install its dependencies and
start its dev server. Edits under DIR are copied into the sandbox as they
happen and snapshots of the project source are saved to the project store,
at most once per throttle interval.

While running, metrics, health and session status are served on the
metrics address.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, dir := args[0], args[1]
		addr, _ := cmd.Flags().GetString("metrics-addr")
		if !cmd.Flags().Changed("metrics-addr") {
			addr = cfg.Metrics.Addr
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		a.followEvents(os.Stdout)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if addr != "" {
			collector := metrics.NewCollector(a.ws, types.SessionStateNames(), 0)
			collector.Start()
			defer collector.Stop()

			server := serveEndpoints(addr, a.ws)
			defer server.Close()
			fmt.Printf("Serving metrics and status on http://%s\n", addr)
		}

		if err := a.openProject(ctx, projectID, dir); err != nil {
			return err
		}

		dev, err := a.ws.StartDev(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Dev server: %s\n", okMark("✓"), dev.PreviewURL)

		var proxy *preview.Proxy
		if cfg.Preview.Addr != "" {
			proxy = preview.NewProxy(preview.Config{
				Addr:              cfg.Preview.Addr,
				RequestsPerSecond: cfg.Preview.RequestsPerSecond,
				Burst:             cfg.Preview.Burst,
				AllowedIPs:        cfg.Preview.AllowedIPs,
				DeniedIPs:         cfg.Preview.DeniedIPs,
			})
			if err := proxy.Start(); err != nil {
				return err
			}
			defer proxy.Stop(context.Background())
			if err := proxy.SetTarget(dev.PreviewURL); err != nil {
				return err
			}
			fmt.Printf("%s Preview: %s\n", okMark("✓"), proxy.URL())
		}

		saves := throttle.New(projectStore{a.store}, cfg.Throttle.Interval.Std())
		defer saves.Stop()

		syncer := &sourceSync{ws: a.ws, dir: dir, projectID: projectID, saves: saves, proxy: proxy}
		if err := syncer.run(ctx); err != nil {
			return err
		}

		fmt.Println("\nShutting down...")
		if err := saves.FlushAll(context.Background()); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to save pending project source")
		}
		return nil
	},
}

func init() {
	devCmd.Flags().String("metrics-addr", "", "Address for metrics and status endpoints (empty uses config)")
}

// projectStore persists project source snapshots
type projectStore struct {
	store storage.Store
}

func (p projectStore) SaveProject(ctx context.Context, projectID string, payload []byte) error {
	return p.store.PutProjectSource(projectID, payload)
}

// sourceSync mirrors edits made on the host into the sandbox
type sourceSync struct {
	ws        *workspace.Workspace
	dir       string
	projectID string
	saves     *throttle.Throttle
	proxy     *preview.Proxy
}

func (s *sourceSync) run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}
	defer watcher.Close()

	if err := s.watchTree(watcher, s.dir); err != nil {
		return err
	}

	logger := log.WithProjectID(s.projectID)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if err := s.apply(ctx, watcher, event); err != nil {
				logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to sync change")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// watchTree adds dir and its subdirectories, skipping excluded ones.
// fsnotify does not watch recursively.
func (s *sourceSync) watchTree(watcher *fsnotify.Watcher, dir string) error {
	skip := projectExclude()
	return filepath.WalkDir(dir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != s.dir && skip[d.Name()] {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

func (s *sourceSync) apply(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) error {
	rel, err := filepath.Rel(s.dir, event.Name)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || excluded(rel) {
		return nil
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if err := s.ws.RemoveFile(ctx, rel); err != nil {
			return err
		}

	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return s.watchTree(watcher, event.Name)
		}
		data, err := os.ReadFile(event.Name)
		if err != nil {
			return err
		}
		if err := s.ws.WriteFile(ctx, rel, data); err != nil {
			return err
		}
		if rel == cfg.Project.Manifest {
			if err := s.restartDev(ctx); err != nil {
				return err
			}
		}

	default:
		return nil
	}

	return s.snapshot(ctx)
}

// restartDev replaces the dev server after a dependency change. The preview
// address stays the same.
func (s *sourceSync) restartDev(ctx context.Context) error {
	if s.proxy != nil {
		s.proxy.ClearTarget()
	}
	if _, err := s.ws.StopDev(ctx); err != nil {
		return err
	}

	dev, err := s.ws.StartDev(ctx)
	if err != nil {
		return err
	}
	if s.proxy != nil {
		return s.proxy.SetTarget(dev.PreviewURL)
	}
	fmt.Printf("%s Dev server: %s\n", okMark("✓"), dev.PreviewURL)
	return nil
}

// snapshot hands the current project source to the throttled saver
func (s *sourceSync) snapshot(ctx context.Context) error {
	files, err := s.ws.SourceFiles(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(struct {
		ProjectID string    `json:"project_id"`
		Files     []fs.File `json:"files"`
	}{s.projectID, files})
	if err != nil {
		return err
	}
	return s.saves.Save(ctx, s.projectID, payload)
}

func excluded(rel string) bool {
	skip := projectExclude()
	for _, part := range strings.Split(rel, "/") {
		if skip[part] {
			return true
		}
	}
	return false
}
