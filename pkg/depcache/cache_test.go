//go:build unix

package depcache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/playpen/pkg/command"
	"github.com/cuemby/playpen/pkg/fs"
	"github.com/cuemby/playpen/pkg/runtime"
	"github.com/cuemby/playpen/pkg/storage"
	"github.com/cuemby/playpen/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	manifestA = `{"dependencies":{"phaser":"^3.80.0"}}`
	manifestB = `{"dependencies":{"phaser":"^3.70.0"}}`
)

type staticProvider struct {
	inst runtime.Instance
}

func (p staticProvider) Boot(context.Context) (runtime.Instance, error) {
	return p.inst, nil
}

type fixture struct {
	cache *Cache
	files *fs.FS
	store *storage.BoltStore
}

func newFixture(t *testing.T, rebuild ...string) *fixture {
	t.Helper()

	inst, err := runtime.NewLocalRuntime(runtime.LocalConfig{Root: t.TempDir()}).Boot(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if len(rebuild) == 0 {
		rebuild = []string{"/bin/sh", "-c", "mkdir -p node_modules/.bin && touch node_modules/.bin/phaser"}
	}

	provider := staticProvider{inst: inst}
	files := fs.New(provider)
	runner := command.NewRunner(provider, files)

	return &fixture{
		cache: New(store, files, runner, nil, Config{RebuildCommand: rebuild, RebuildTimeout: 10 * time.Second}),
		files: files,
		store: store,
	}
}

func (f *fixture) installTree(t *testing.T) {
	t.Helper()
	require.NoError(t, f.files.Mount(context.Background(), "node_modules", map[string][]byte{
		"phaser/package.json":        []byte(`{"name":"phaser"}`),
		"phaser/dist/phaser.js":      []byte("phaser bundle"),
		"@types/node/index.d.ts":     []byte("declare"),
		".bin/phaser":                []byte("#!/usr/bin/env node"),
		".cache/babel/x.json":        []byte("{}"),
		"vite/.vite/deps/_meta.json": []byte("{}"),
		".tmp/lock":                  []byte(""),
	}))
}

func TestComputeManifestHash(t *testing.T) {
	a := ComputeManifestHash([]byte(manifestA))
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.Len(t, a, len("sha256:")+64)
	assert.Equal(t, a, ComputeManifestHash([]byte(manifestA)))
	assert.NotEqual(t, a, ComputeManifestHash([]byte(manifestB)))

	// Whitespace is a byte difference
	assert.NotEqual(t, a, ComputeManifestHash([]byte(manifestA+"\n")))
}

func TestCache_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.installTree(t)
	require.NoError(t, f.cache.Save(ctx, "p1", []byte(manifestA)))

	entry, err := f.store.GetDependencyCache("p1")
	require.NoError(t, err)
	assert.Equal(t, ComputeManifestHash([]byte(manifestA)), entry.ManifestHash)
	assert.Equal(t, 3, entry.FileCount)

	require.NoError(t, f.files.Remove(ctx, "node_modules"))

	ok, err := f.cache.Restore(ctx, "p1", []byte(manifestA))
	require.NoError(t, err)
	require.True(t, ok)

	for path, want := range map[string]string{
		"node_modules/phaser/package.json":    `{"name":"phaser"}`,
		"node_modules/phaser/dist/phaser.js":  "phaser bundle",
		"node_modules/@types/node/index.d.ts": "declare",
	} {
		got, err := f.files.ReadFile(ctx, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(got), path)
	}

	for _, excluded := range []string{
		"node_modules/.cache",
		"node_modules/vite/.vite",
		"node_modules/.tmp",
	} {
		exists, err := f.files.Exists(ctx, excluded)
		require.NoError(t, err)
		assert.False(t, exists, excluded)
	}

	// The repair pass regenerated the executable links
	exists, err := f.files.Exists(ctx, "node_modules/.bin/phaser")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCache_KeyStrictness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.installTree(t)
	require.NoError(t, f.cache.Save(ctx, "p1", []byte(manifestB)))
	require.NoError(t, f.files.Remove(ctx, "node_modules"))

	ok, err := f.cache.Restore(ctx, "p1", []byte(manifestA))
	require.NoError(t, err)
	assert.False(t, ok)

	// Nothing was written
	exists, err := f.files.Exists(ctx, "node_modules")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCache_Miss(t *testing.T) {
	f := newFixture(t)

	ok, err := f.cache.Restore(context.Background(), "never-saved", []byte(manifestA))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SaveUpserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.installTree(t)
	require.NoError(t, f.cache.Save(ctx, "p1", []byte(manifestA)))

	require.NoError(t, f.files.Remove(ctx, "node_modules/@types"))
	require.NoError(t, f.cache.Save(ctx, "p1", []byte(manifestB)))

	entries, err := f.cache.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ComputeManifestHash([]byte(manifestB)), entries[0].ManifestHash)
	assert.Equal(t, 2, entries[0].FileCount)

	ok, err := f.cache.Restore(ctx, "p1", []byte(manifestA))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SaveWithoutDependencyDir(t *testing.T) {
	f := newFixture(t)

	err := f.cache.Save(context.Background(), "p1", []byte(manifestA))
	assert.Error(t, err)
}

func TestCache_RepairFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, "/bin/sh", "-c", "echo 'gyp ERR!' >&2; exit 1")
	ctx := context.Background()

	f.installTree(t)
	require.NoError(t, f.cache.Save(ctx, "p1", []byte(manifestA)))
	require.NoError(t, f.files.Remove(ctx, "node_modules"))

	ok, err := f.cache.Restore(ctx, "p1", []byte(manifestA))
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := f.files.ReadFile(ctx, "node_modules/phaser/dist/phaser.js")
	require.NoError(t, err)
	assert.Equal(t, "phaser bundle", string(data))
}

func TestCache_Prune(t *testing.T) {
	f := newFixture(t)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, f.store.PutDependencyCache(&types.DependencyCacheEntry{
		ProjectID: "stale", SavedAt: old, LastAccessed: old,
	}, nil))
	require.NoError(t, f.store.PutDependencyCache(&types.DependencyCacheEntry{
		ProjectID: "saved-long-ago-but-used", SavedAt: old, LastAccessed: time.Now(),
	}, nil))
	require.NoError(t, f.store.PutDependencyCache(&types.DependencyCacheEntry{
		ProjectID: "never-accessed", SavedAt: old,
	}, nil))

	pruned, err := f.cache.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	entries, err := f.cache.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "saved-long-ago-but-used", entries[0].ProjectID)
}
