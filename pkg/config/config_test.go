package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/playpen
runtime:
  type: containerd
  containerd:
    image: docker.io/library/node:22
project:
  dir: app
  dev_port: 5173
commands:
  install: pnpm install --frozen-lockfile
timeouts:
  build: 90s
  build_kill_after: 10m
throttle:
  interval: 500ms
preview:
  addr: 0.0.0.0:8080
  requests_per_second: 20
  allowed_ips: [10.0.0.0/8]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/playpen", cfg.DataDir)
	assert.Equal(t, RuntimeContainerd, cfg.Runtime.Type)
	assert.Equal(t, "docker.io/library/node:22", cfg.Runtime.Containerd.Image)
	assert.Equal(t, "playpen", cfg.Runtime.Containerd.Namespace, "unset keys keep their defaults")
	assert.Equal(t, "app", cfg.Project.Dir)
	assert.Equal(t, 5173, cfg.Project.DevPort)
	assert.Equal(t, "package.json", cfg.Project.Manifest)
	assert.Equal(t, "pnpm install --frozen-lockfile", cfg.Commands.Install)
	assert.Equal(t, "npm run dev", cfg.Commands.Dev)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Build.Std())
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.BuildKillAfter.Std())
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Install.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Throttle.Interval.Std())
	assert.Equal(t, "0.0.0.0:8080", cfg.Preview.Addr)
	assert.Equal(t, 20.0, cfg.Preview.RequestsPerSecond)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Preview.AllowedIPs)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad yaml",
			content: "runtime: [",
			wantErr: "parsing config",
		},
		{
			name:    "bad duration",
			content: "timeouts:\n  install: soon\n",
			wantErr: "invalid duration",
		},
		{
			name:    "unknown runtime",
			content: "runtime:\n  type: firecracker\n",
			wantErr: "unknown runtime",
		},
		{
			name:    "unbalanced quote",
			content: "commands:\n  lint: \"npx eslint '.\"\n",
			wantErr: "commands.lint",
		},
		{
			name:    "empty command",
			content: "commands:\n  build: \"\"\n",
			wantErr: "commands.build",
		},
		{
			name:    "unknown dev check",
			content: "project:\n  dev_check: grpc\n",
			wantErr: "project.dev_check",
		},
		{
			name:    "no manifest",
			content: "project:\n  manifest: \"\"\n",
			wantErr: "project.manifest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFile)

	cfg := Default()
	cfg.ClientID = "2Hx5ZkYqXh7c9v5nXGd3lYqJbAo"
	cfg.Timeouts.Check = Duration(45 * time.Second)
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "check: 45s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestArgv(t *testing.T) {
	tests := []struct {
		line    string
		want    []string
		wantErr bool
	}{
		{line: "npm install", want: []string{"npm", "install"}},
		{line: `sh -c 'echo "a b"'`, want: []string{"sh", "-c", `echo "a b"`}},
		{line: "   ", wantErr: true},
		{line: "npm 'run", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Argv(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSandboxRoot(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	assert.Equal(t, filepath.Join("/data", "sandbox"), cfg.SandboxRoot())

	cfg.Runtime.Root = "/srv/sandbox"
	assert.Equal(t, "/srv/sandbox", cfg.SandboxRoot())
}
