package fs

import (
	"context"
	iofs "io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/playpen/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider struct {
	inst runtime.Instance
}

func (p staticProvider) Boot(context.Context) (runtime.Instance, error) {
	return p.inst, nil
}

func newTestFS(t *testing.T) (*FS, string) {
	t.Helper()
	inst, err := runtime.NewLocalRuntime(runtime.LocalConfig{Root: t.TempDir()}).Boot(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return New(staticProvider{inst: inst}), inst.Root()
}

func TestFS_WriteFileCreatesParents(t *testing.T) {
	fsys, root := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.WriteFile(ctx, "src/game/player.ts", []byte("export {}")))
	data, err := os.ReadFile(filepath.Join(root, "src", "game", "player.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export {}", string(data))

	// Writing next to an existing directory is fine
	require.NoError(t, fsys.WriteFile(ctx, "src/game/enemy.ts", []byte("e")))

	got, err := fsys.ReadFile(ctx, "src/game/enemy.ts")
	require.NoError(t, err)
	assert.Equal(t, "e", string(got))
}

func TestFS_PathsStayInsideSandbox(t *testing.T) {
	fsys, root := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.WriteFile(ctx, "../../escape.txt", []byte("x")))
	assert.FileExists(t, filepath.Join(root, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(root)), "escape.txt"))
}

func TestFS_MkdirRemoveExists(t *testing.T) {
	fsys, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.Mkdir(ctx, "a/b/c"))
	require.NoError(t, fsys.Mkdir(ctx, "a/b/c"))

	ok, err := fsys.Exists(ctx, "a/b/c")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, fsys.Remove(ctx, "a"))
	ok, err = fsys.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing again is not an error
	require.NoError(t, fsys.Remove(ctx, "a"))
}

func TestFS_Clear(t *testing.T) {
	tests := []struct {
		name string
		dir  string
	}{
		{"sandbox root", ""},
		{"subdirectory", "app"},
		{"missing directory", "gone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys, root := newTestFS(t)
			ctx := context.Background()

			if tt.dir != "gone" {
				require.NoError(t, fsys.Mount(ctx, tt.dir, map[string][]byte{
					"package.json":                 []byte("{}"),
					"src/main.ts":                  []byte("export {}"),
					"node_modules/phaser/index.js": []byte("module.exports = 3"),
				}))
			}

			require.NoError(t, fsys.Clear(ctx, tt.dir))

			if tt.dir == "gone" {
				return
			}
			entries, err := os.ReadDir(filepath.Join(root, tt.dir))
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestFS_ReadDir(t *testing.T) {
	fsys, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.WriteFile(ctx, "index.html", nil))
	require.NoError(t, fsys.Mkdir(ctx, "src"))

	entries, err := fsys.ReadDir(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "index.html", IsDir: false},
		{Name: "src", IsDir: true},
	}, entries)
}

func TestFS_ReadTreeExcludes(t *testing.T) {
	fsys, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.Mount(ctx, "", map[string][]byte{
		"package.json":                 []byte("{}"),
		"src/main.ts":                  []byte("main"),
		"node_modules/react/index.js":  []byte("react"),
		"dist/index.html":              []byte("<html>"),
		"src/node_modules/nested/a.js": []byte("a"),
	}))

	tree, err := fsys.ReadTree(ctx, "", []string{"node_modules", "dist"})
	require.NoError(t, err)
	require.True(t, tree.IsDir)

	var names []string
	for _, c := range tree.Children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"package.json", "src"}, names)

	src := tree.Children[1]
	require.Len(t, src.Children, 1)
	assert.Equal(t, "src/main.ts", src.Children[0].Path)
	assert.Equal(t, int64(4), src.Children[0].Size)
}

func TestFS_CollectFiles(t *testing.T) {
	fsys, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.Mount(ctx, "dist", map[string][]byte{
		"index.html":       []byte("<html>"),
		"assets/game.js":   []byte("js"),
		".cache/stale.bin": []byte("x"),
	}))

	files, err := fsys.CollectFiles(ctx, "dist", []string{".cache"})
	require.NoError(t, err)
	assert.Equal(t, []File{
		{Path: "assets/game.js", Data: []byte("js")},
		{Path: "index.html", Data: []byte("<html>")},
	}, files)
}

func TestFS_WalkSkipsExcluded(t *testing.T) {
	fsys, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.Mount(ctx, "node_modules", map[string][]byte{
		"lodash/index.js":    []byte("l"),
		".bin/vite":          []byte("#!"),
		"vite/.vite/deps.js": []byte("d"),
	}))

	var seen []string
	err := fsys.Walk(ctx, "node_modules", []string{".bin", ".vite"}, func(rel string, d iofs.DirEntry) error {
		if !d.IsDir() {
			seen = append(seen, rel)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lodash/index.js"}, seen)
}
