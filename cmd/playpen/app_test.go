package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/playpen/pkg/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	cfg = config.Default()
	cfg.DataDir = t.TempDir()
	t.Cleanup(func() { cfg = prev })
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestReadProjectDir(t *testing.T) {
	useConfig(t)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"package.json":                 "{}",
		"src/main.ts":                  "export {}",
		"src/scenes/boot.ts":           "export {}",
		"node_modules/phaser/index.js": "x",
		"dist/index.html":              "x",
		".git/HEAD":                    "ref",
	})

	files, err := readProjectDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	assert.ElementsMatch(t, []string{"package.json", "src/main.ts", "src/scenes/boot.ts"}, names)
	assert.Equal(t, "export {}", string(files["src/main.ts"]))
}

func TestExcluded(t *testing.T) {
	useConfig(t)

	tests := []struct {
		rel  string
		want bool
	}{
		{"src/main.ts", false},
		{"node_modules/phaser/index.js", true},
		{"dist", true},
		{"src/dist/file.ts", true},
		{".git/HEAD", true},
		{"distant.ts", false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, excluded(tt.rel))
		})
	}
}

func TestResolveClientID(t *testing.T) {
	useConfig(t)

	newCmd := func(fresh bool) *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().Bool("new-client", fresh, "")
		return cmd
	}

	first, err := resolveClientID(newCmd(false))
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	resumed, err := resolveClientID(newCmd(false))
	require.NoError(t, err)
	assert.Equal(t, first, resumed, "a restart resumes the same client session")

	fresh, err := resolveClientID(newCmd(true))
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)

	cfg.ClientID = "explicit"
	explicit, err := resolveClientID(newCmd(false))
	require.NoError(t, err)
	assert.Equal(t, "explicit", explicit)
}

func TestToolchain(t *testing.T) {
	useConfig(t)
	cfg.Commands.Dev = "npx vite --host 127.0.0.1 --port 5173"

	commands, err := toolchain()
	require.NoError(t, err)
	assert.Equal(t, []string{"npx", "vite", "--host", "127.0.0.1", "--port", "5173"}, commands.Dev)
	assert.Equal(t, []string{"npm", "run", "build"}, commands.Build)

	cfg.Commands.Lint = "eslint 'src"
	_, err = toolchain()
	assert.Error(t, err)
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "2c26b46b68ff", shortHash("sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"))
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanBytes(tt.n))
	}
}
