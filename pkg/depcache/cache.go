package depcache

import (
	"context"
	_ "crypto/sha256" // registers the digest algorithm
	"errors"
	"fmt"
	iofs "io/fs"
	"path"
	"strconv"
	"time"

	"github.com/cuemby/playpen/pkg/command"
	"github.com/cuemby/playpen/pkg/errdefs"
	"github.com/cuemby/playpen/pkg/events"
	"github.com/cuemby/playpen/pkg/fs"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/cuemby/playpen/pkg/storage"
	"github.com/cuemby/playpen/pkg/types"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
)

const (
	// DefaultDependencyDir is the installed dependency directory
	DefaultDependencyDir = "node_modules"

	// DefaultRebuildTimeout bounds the repair pass after a restore
	DefaultRebuildTimeout = 2 * time.Minute
)

// DefaultExclude lists subdirectories that are never cached. Their contents
// depend on executable bits and symlinks, or are tool caches that get
// regenerated anyway.
var DefaultExclude = []string{".bin", ".cache", ".vite", ".tmp"}

// DefaultRebuildCommand regenerates what the cache leaves out
var DefaultRebuildCommand = []string{"npm", "rebuild"}

// Config configures a Cache
type Config struct {
	// ProjectDir is where the manifest and dependency directory live,
	// relative to the sandbox root
	ProjectDir     string
	DependencyDir  string
	Exclude        []string
	RebuildCommand []string
	RebuildTimeout time.Duration
}

// Cache saves and restores installed dependency trees. A project has at most
// one cached generation, valid only for the exact manifest it was saved with.
type Cache struct {
	store  storage.Store
	files  *fs.FS
	runner *command.Runner
	events *events.Broker
	cfg    Config
	logger zerolog.Logger
}

// New creates a dependency cache
func New(store storage.Store, files *fs.FS, runner *command.Runner, broker *events.Broker, cfg Config) *Cache {
	if cfg.DependencyDir == "" {
		cfg.DependencyDir = DefaultDependencyDir
	}
	if cfg.Exclude == nil {
		cfg.Exclude = DefaultExclude
	}
	if len(cfg.RebuildCommand) == 0 {
		cfg.RebuildCommand = DefaultRebuildCommand
	}
	if cfg.RebuildTimeout <= 0 {
		cfg.RebuildTimeout = DefaultRebuildTimeout
	}

	return &Cache{
		store:  store,
		files:  files,
		runner: runner,
		events: broker,
		cfg:    cfg,
		logger: log.WithComponent("depcache"),
	}
}

// ComputeManifestHash returns the content digest that keys a cache entry.
// Any byte difference in the manifest yields a different hash.
func ComputeManifestHash(manifest []byte) string {
	return digest.FromBytes(manifest).String()
}

func (c *Cache) dependencyDir() string {
	return path.Join(c.cfg.ProjectDir, c.cfg.DependencyDir)
}

// Save stores the live dependency tree for projectID, replacing any previous
// generation. Files that cannot be read are skipped. Callers should treat a
// returned error as a lost optimization, not a failure.
func (c *Cache) Save(ctx context.Context, projectID string, manifest []byte) error {
	logger := log.WithProjectID(projectID)
	timer := metrics.NewTimer()
	dir := c.dependencyDir()

	var (
		files []types.CachedFile
		total int64
	)

	err := c.files.Walk(ctx, dir, c.cfg.Exclude, func(rel string, d iofs.DirEntry) error {
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := c.files.ReadFile(ctx, path.Join(dir, rel))
		if err != nil {
			logger.Warn().Err(err).Str("path", rel).Msg("Skipping unreadable dependency file")
			return nil
		}
		files = append(files, types.CachedFile{Path: rel, Data: data})
		total += int64(len(data))
		return nil
	})
	if err != nil {
		metrics.CacheSavesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	now := time.Now()
	entry := &types.DependencyCacheEntry{
		ProjectID:    projectID,
		ManifestHash: ComputeManifestHash(manifest),
		FileCount:    len(files),
		TotalBytes:   total,
		SavedAt:      now,
		LastAccessed: now,
	}

	if err := c.store.PutDependencyCache(entry, files); err != nil {
		metrics.CacheSavesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to store dependency cache: %w", err)
	}
	metrics.CacheSavesTotal.WithLabelValues("success").Inc()

	logger.Info().
		Str("manifest_hash", entry.ManifestHash).
		Int("files", entry.FileCount).
		Int64("bytes", entry.TotalBytes).
		Dur("duration", timer.Duration()).
		Msg("Saved dependency cache")
	c.events.Emit(events.EventCacheSaved, fmt.Sprintf("cached %d dependency files", entry.FileCount), map[string]string{
		"project_id": projectID,
		"files":      strconv.Itoa(entry.FileCount),
	})
	return nil
}

// Restore writes the cached dependency tree back into the sandbox when the
// stored manifest hash matches manifest exactly, then runs the repair pass.
// It returns false without touching the filesystem on a miss. A non-nil
// error means a matching entry could not be written back; the caller should
// fall back to a full install.
func (c *Cache) Restore(ctx context.Context, projectID string, manifest []byte) (bool, error) {
	logger := log.WithProjectID(projectID)
	hash := ComputeManifestHash(manifest)

	entry, err := c.store.GetDependencyCache(projectID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Err(err).Msg("Failed to read dependency cache")
		}
		c.miss(projectID, "no cache entry")
		return false, nil
	}
	if entry.ManifestHash != hash {
		logger.Debug().
			Str("cached_hash", entry.ManifestHash).
			Str("manifest_hash", hash).
			Msg("Manifest changed since cache was saved")
		c.miss(projectID, "manifest changed")
		return false, nil
	}

	timer := metrics.NewTimer()
	dir := c.dependencyDir()

	if err := c.files.Mkdir(ctx, dir); err != nil {
		return false, errdefs.New(errdefs.ErrCacheRestore, "restore", err)
	}

	restored := 0
	err = c.store.ForEachDependencyFile(projectID, func(p string, data []byte) error {
		if err := c.files.WriteFile(ctx, path.Join(dir, p), data); err != nil {
			return err
		}
		restored++
		return nil
	})
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		return false, errdefs.New(errdefs.ErrCacheRestore, "restore", err)
	}

	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	if err := c.store.TouchDependencyCache(projectID, time.Now()); err != nil {
		logger.Warn().Err(err).Msg("Failed to record cache access")
	}

	c.repair(ctx, logger)

	logger.Info().
		Int("files", restored).
		Dur("duration", timer.Duration()).
		Msg("Restored dependencies from cache")
	c.events.Emit(events.EventCacheHit, fmt.Sprintf("restored %d dependency files from cache", restored), map[string]string{
		"project_id": projectID,
	})
	return true, nil
}

// repair regenerates excluded artifacts. Failure is logged and ignored: the
// bulk of the tree is in place and missing shims are recoverable later.
func (c *Cache) repair(ctx context.Context, logger zerolog.Logger) {
	name, args := c.cfg.RebuildCommand[0], c.cfg.RebuildCommand[1:]

	res, err := c.runner.RunAndCaptureWith(ctx, name, args, c.cfg.RebuildTimeout, command.Options{Dir: c.cfg.ProjectDir})
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("Repair pass did not complete, continuing")
	case res.ExitCode != 0:
		logger.Warn().
			Int("exit_code", res.ExitCode).
			Str("output", command.Tail(res.Output, 2048)).
			Msg("Repair pass failed, continuing")
	default:
		logger.Debug().Dur("duration", res.Duration).Msg("Repair pass completed")
	}
}

func (c *Cache) miss(projectID, reason string) {
	metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	c.events.Emit(events.EventCacheMiss, reason, map[string]string{"project_id": projectID})
}

// Entries lists every cached project
func (c *Cache) Entries() ([]*types.DependencyCacheEntry, error) {
	return c.store.ListDependencyCaches()
}

// Delete drops the cache generation of a project
func (c *Cache) Delete(projectID string) error {
	return c.store.DeleteDependencyCache(projectID)
}

// Prune deletes entries not accessed within maxAge and returns how many were
// removed. It is never run implicitly.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	entries, err := c.store.ListDependencyCaches()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, e := range entries {
		last := e.LastAccessed
		if last.IsZero() {
			last = e.SavedAt
		}
		if !last.Before(cutoff) {
			continue
		}
		if err := c.store.DeleteDependencyCache(e.ProjectID); err != nil {
			return pruned, fmt.Errorf("failed to prune %s: %w", e.ProjectID, err)
		}
		pruned++
		c.logger.Info().
			Str("project_id", e.ProjectID).
			Time("last_accessed", last).
			Msg("Pruned dependency cache")
	}

	metrics.CachePrunedTotal.Add(float64(pruned))
	return pruned, nil
}
