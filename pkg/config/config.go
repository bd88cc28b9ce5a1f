package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFile is the config file looked up in the working directory
	DefaultFile = "playpen.yaml"

	RuntimeLocal      = "local"
	RuntimeContainerd = "containerd"
)

// Duration is a time.Duration written as a string ("90s", "5m") in YAML
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	DataDir  string   `yaml:"data_dir"`
	ClientID string   `yaml:"client_id,omitempty"`
	Runtime  Runtime  `yaml:"runtime"`
	Project  Project  `yaml:"project"`
	Commands Commands `yaml:"commands"`
	Timeouts Timeouts `yaml:"timeouts"`
	Cache    Cache    `yaml:"cache"`
	Session  Session  `yaml:"session"`
	Throttle Throttle `yaml:"throttle"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
	Preview  Preview  `yaml:"preview"`
}

type Runtime struct {
	Type       string     `yaml:"type"`
	Root       string     `yaml:"root,omitempty"`
	KeepFiles  bool       `yaml:"keep_files,omitempty"`
	Containerd Containerd `yaml:"containerd"`
}

type Containerd struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	Image     string `yaml:"image"`
}

// Project describes the layout of a project inside the sandbox
type Project struct {
	Dir           string   `yaml:"dir"`
	Manifest      string   `yaml:"manifest"`
	DependencyDir string   `yaml:"dependency_dir"`
	OutputDir     string   `yaml:"output_dir"`
	DevPort       int      `yaml:"dev_port,omitempty"`
	DevCheck      string   `yaml:"dev_check"`
	TreeExclude   []string `yaml:"tree_exclude"`
}

// Commands are shell-style command lines
type Commands struct {
	Install   string `yaml:"install"`
	Rebuild   string `yaml:"rebuild"`
	Dev       string `yaml:"dev"`
	Build     string `yaml:"build"`
	Typecheck string `yaml:"typecheck"`
	Lint      string `yaml:"lint"`
}

type Timeouts struct {
	Install  Duration `yaml:"install"`
	Build    Duration `yaml:"build"`
	Check    Duration `yaml:"check"`
	DevReady Duration `yaml:"dev_ready"`

	// BuildKillAfter kills a build that is still running after this long.
	// Zero lets a timed out build keep running.
	BuildKillAfter Duration `yaml:"build_kill_after,omitempty"`
}

type Cache struct {
	Exclude        []string `yaml:"exclude"`
	RebuildTimeout Duration `yaml:"rebuild_timeout"`
}

type Session struct {
	RaceRecoveryDelay Duration `yaml:"race_recovery_delay"`
}

type Throttle struct {
	Interval Duration `yaml:"interval"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// Preview is the stable host address the dev server is proxied on. An empty
// address disables the proxy.
type Preview struct {
	Addr              string   `yaml:"addr"`
	RequestsPerSecond float64  `yaml:"requests_per_second,omitempty"`
	Burst             int      `yaml:"burst,omitempty"`
	AllowedIPs        []string `yaml:"allowed_ips,omitempty"`
	DeniedIPs         []string `yaml:"denied_ips,omitempty"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		DataDir: "./playpen-data",
		Runtime: Runtime{
			Type: RuntimeLocal,
			Containerd: Containerd{
				Socket:    "/run/containerd/containerd.sock",
				Namespace: "playpen",
				Image:     "docker.io/library/node:20-bookworm",
			},
		},
		Project: Project{
			Manifest:      "package.json",
			DependencyDir: "node_modules",
			OutputDir:     "dist",
			DevCheck:      "http",
			TreeExclude:   []string{"node_modules", "dist", ".git"},
		},
		Commands: Commands{
			Install:   "npm install --no-audit --no-fund",
			Rebuild:   "npm rebuild",
			Dev:       "npm run dev",
			Build:     "npm run build",
			Typecheck: "npx tsc --noEmit",
			Lint:      "npx eslint .",
		},
		Timeouts: Timeouts{
			Install:  Duration(5 * time.Minute),
			Build:    Duration(3 * time.Minute),
			Check:    Duration(2 * time.Minute),
			DevReady: Duration(2 * time.Minute),
		},
		Cache: Cache{
			Exclude:        []string{".bin", ".cache", ".vite", ".tmp"},
			RebuildTimeout: Duration(2 * time.Minute),
		},
		Session: Session{
			RaceRecoveryDelay: Duration(500 * time.Millisecond),
		},
		Throttle: Throttle{
			Interval: Duration(2 * time.Second),
		},
		Log: Log{
			Level: "info",
		},
		Metrics: Metrics{
			Addr: "127.0.0.1:9090",
		},
		Preview: Preview{
			Addr: "127.0.0.1:8000",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Runtime.Type {
	case RuntimeLocal, RuntimeContainerd:
	default:
		return fmt.Errorf("unknown runtime %q (want %s or %s)", c.Runtime.Type, RuntimeLocal, RuntimeContainerd)
	}

	for name, line := range map[string]string{
		"install":   c.Commands.Install,
		"rebuild":   c.Commands.Rebuild,
		"dev":       c.Commands.Dev,
		"build":     c.Commands.Build,
		"typecheck": c.Commands.Typecheck,
		"lint":      c.Commands.Lint,
	} {
		if _, err := Argv(line); err != nil {
			return fmt.Errorf("commands.%s: %w", name, err)
		}
	}

	switch c.Project.DevCheck {
	case "http", "tcp":
	default:
		return fmt.Errorf("project.dev_check must be http or tcp, got %q", c.Project.DevCheck)
	}

	if c.Project.Manifest == "" {
		return errors.New("project.manifest must be set")
	}
	return nil
}

// Argv splits a command line into program and arguments
func Argv(line string) ([]string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

// SandboxRoot returns the host directory that backs the sandbox
func (c *Config) SandboxRoot() string {
	if c.Runtime.Root != "" {
		return c.Runtime.Root
	}
	return filepath.Join(c.DataDir, "sandbox")
}
