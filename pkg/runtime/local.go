package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/segmentio/ksuid"
)

const (
	// DefaultLocalRoot is the default sandbox root for the local runtime
	DefaultLocalRoot = "./playpen-data/sandbox"

	// waitDelay bounds how long Wait keeps copying output after the process
	// exits while descendants still hold the pipe
	waitDelay = 2 * time.Second
)

var (
	// Live local instances by absolute root. A root can host one sandbox.
	liveMu    sync.Mutex
	liveRoots = make(map[string]*localInstance)
)

// LocalConfig configures the process-backed runtime
type LocalConfig struct {
	// Root is the host directory used as the sandbox filesystem
	Root string

	// KeepFiles leaves existing files in Root on boot. By default every boot
	// starts from an empty filesystem.
	KeepFiles bool
}

// LocalRuntime runs sandbox processes directly on the host, rooted in a
// dedicated directory
type LocalRuntime struct {
	cfg LocalConfig
}

// NewLocalRuntime creates a new process-backed runtime
func NewLocalRuntime(cfg LocalConfig) *LocalRuntime {
	if cfg.Root == "" {
		cfg.Root = DefaultLocalRoot
	}
	return &LocalRuntime{cfg: cfg}
}

// Name returns the runtime identifier
func (r *LocalRuntime) Name() string {
	return "local"
}

// Boot claims the sandbox root and prepares an empty filesystem
func (r *LocalRuntime) Boot(ctx context.Context) (Instance, error) {
	root, err := filepath.Abs(r.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}

	liveMu.Lock()
	defer liveMu.Unlock()

	if _, exists := liveRoots[root]; exists {
		return nil, ErrAlreadyBooted
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !r.cfg.KeepFiles {
		if err := os.RemoveAll(root); err != nil {
			return nil, fmt.Errorf("failed to reset sandbox root: %w", err)
		}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	inst := &localInstance{
		id:   ksuid.New().String(),
		root: root,
	}
	liveRoots[root] = inst

	return inst, nil
}

// Attach returns the live instance for this runtime's root
func (r *LocalRuntime) Attach(ctx context.Context) (Instance, error) {
	root, err := filepath.Abs(r.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}

	liveMu.Lock()
	defer liveMu.Unlock()

	inst, ok := liveRoots[root]
	if !ok {
		return nil, fmt.Errorf("no live sandbox at %s", root)
	}
	return inst, nil
}

type localInstance struct {
	id   string
	root string
}

func (i *localInstance) ID() string {
	return i.id
}

func (i *localInstance) Root() string {
	return i.root
}

func (i *localInstance) Start(ctx context.Context, spec ProcessSpec, output io.Writer) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := securejoin.SecureJoin(i.root, spec.Dir)
	if err != nil {
		return nil, fmt.Errorf("invalid working directory %q: %w", spec.Dir, err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if output == nil {
		output = io.Discard
	}
	// Same writer for both streams keeps them in emitted order
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	return &localProcess{cmd: cmd}, nil
}

func (i *localInstance) Address(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (i *localInstance) Shutdown(ctx context.Context) error {
	liveMu.Lock()
	defer liveMu.Unlock()

	if liveRoots[i.root] == i {
		delete(liveRoots, i.root)
	}
	return nil
}

type localProcess struct {
	cmd *exec.Cmd
}

func (p *localProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (p *localProcess) Kill(ctx context.Context) error {
	return killProcessGroup(p.cmd)
}
