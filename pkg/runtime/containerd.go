package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/segmentio/ksuid"

	"github.com/cuemby/playpen/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for playpen
	DefaultNamespace = "playpen"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultImage is the toolchain image the sandbox runs
	DefaultImage = "docker.io/library/node:20-bookworm"

	// DefaultContainerID names the single sandbox container
	DefaultContainerID = "playpen-sandbox"

	// WorkspaceDir is where the sandbox root is mounted inside the container
	WorkspaceDir = "/workspace"
)

// ContainerdConfig configures the container-backed runtime
type ContainerdConfig struct {
	SocketPath  string
	Namespace   string
	Image       string
	ContainerID string

	// HostRoot is bind-mounted at WorkspaceDir and backs the sandbox filesystem
	HostRoot string
}

// ContainerdRuntime runs the sandbox as one long-lived containerd container
// and executes commands in it
type ContainerdRuntime struct {
	cfg ContainerdConfig
}

// NewContainerdRuntime creates a new containerd runtime
func NewContainerdRuntime(cfg ContainerdConfig) *ContainerdRuntime {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.ContainerID == "" {
		cfg.ContainerID = DefaultContainerID
	}
	if cfg.HostRoot == "" {
		cfg.HostRoot = DefaultLocalRoot
	}
	return &ContainerdRuntime{cfg: cfg}
}

// Name returns the runtime identifier
func (r *ContainerdRuntime) Name() string {
	return "containerd"
}

// Boot pulls the toolchain image and starts the sandbox container
func (r *ContainerdRuntime) Boot(ctx context.Context) (Instance, error) {
	logger := log.WithComponent("containerd")

	hostRoot, err := filepath.Abs(r.cfg.HostRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}

	client, err := containerd.New(r.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	ctx = namespaces.WithNamespace(ctx, r.cfg.Namespace)

	// A container with our ID means another boot got there first
	if _, err := client.LoadContainer(ctx, r.cfg.ContainerID); err == nil {
		client.Close()
		return nil, ErrAlreadyBooted
	}

	logger.Info().Str("image", r.cfg.Image).Msg("Pulling sandbox image")
	image, err := client.Pull(ctx, r.cfg.Image, containerd.WithPullUnpack)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to pull image %s: %w", r.cfg.Image, err)
	}

	if err := os.RemoveAll(hostRoot); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reset sandbox root: %w", err)
	}
	if err := os.MkdirAll(hostRoot, 0755); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("sleep", "infinity"),
		oci.WithProcessCwd(WorkspaceDir),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithHostHostsFile,
		oci.WithMounts([]specs.Mount{
			{
				Source:      hostRoot,
				Destination: WorkspaceDir,
				Type:        "bind",
				Options:     []string{"rbind", "rw"},
			},
		}),
	}

	container, err := client.NewContainer(
		ctx,
		r.cfg.ContainerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(r.cfg.ContainerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		client.Close()
		if errdefs.IsAlreadyExists(err) {
			return nil, ErrAlreadyBooted
		}
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		client.Close()
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		client.Close()
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	logger.Info().Str("container_id", container.ID()).Msg("Sandbox container started")

	return &containerdInstance{
		id:        ksuid.New().String(),
		root:      hostRoot,
		namespace: r.cfg.Namespace,
		client:    client,
		container: container,
		task:      task,
	}, nil
}

// Attach loads the running sandbox container
func (r *ContainerdRuntime) Attach(ctx context.Context) (Instance, error) {
	hostRoot, err := filepath.Abs(r.cfg.HostRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}

	client, err := containerd.New(r.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	ctx = namespaces.WithNamespace(ctx, r.cfg.Namespace)

	container, err := client.LoadContainer(ctx, r.cfg.ContainerID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load container %s: %w", r.cfg.ContainerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return &containerdInstance{
		id:        ksuid.New().String(),
		root:      hostRoot,
		namespace: r.cfg.Namespace,
		client:    client,
		container: container,
		task:      task,
	}, nil
}

type containerdInstance struct {
	id        string
	root      string
	namespace string

	client    *containerd.Client
	container containerd.Container
	task      containerd.Task

	shutdownOnce sync.Once
}

func (i *containerdInstance) ID() string {
	return i.id
}

func (i *containerdInstance) Root() string {
	return i.root
}

func (i *containerdInstance) Start(ctx context.Context, spec ProcessSpec, output io.Writer) (Process, error) {
	ctx = namespaces.WithNamespace(ctx, i.namespace)

	cspec, err := i.container.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load container spec: %w", err)
	}
	if cspec.Process == nil {
		return nil, errors.New("container spec has no process")
	}

	pspec := *cspec.Process
	pspec.Terminal = false
	pspec.Args = append([]string{spec.Command}, spec.Args...)
	pspec.Cwd = path.Join(WorkspaceDir, path.Clean("/"+spec.Dir))
	pspec.Env = append(append([]string{}, cspec.Process.Env...), spec.Env...)

	if output == nil {
		output = io.Discard
	}

	execID := "exec-" + ksuid.New().String()
	proc, err := i.task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, output, output)))
	if err != nil {
		return nil, fmt.Errorf("failed to exec %s: %w", spec.Command, err)
	}

	// Subscribe to exit before starting so a fast exit is not missed. The
	// subscription outlives ctx, like the process itself.
	statusC, err := proc.Wait(detach(ctx))
	if err != nil {
		_, _ = proc.Delete(ctx)
		return nil, fmt.Errorf("failed to wait on %s: %w", spec.Command, err)
	}

	if err := proc.Start(ctx); err != nil {
		_, _ = proc.Delete(ctx)
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	return &containerdProcess{
		proc:      proc,
		statusC:   statusC,
		namespace: i.namespace,
	}, nil
}

// detach keeps ctx values such as the namespace but drops its cancellation.
// A cancelled exit subscription reports an unknown exit status, which would
// make a process that is still running look finished.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (i *containerdInstance) Address(port int) string {
	// The container shares the host network namespace
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (i *containerdInstance) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		ctx = namespaces.WithNamespace(ctx, i.namespace)
		defer i.client.Close()

		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		statusC, err := i.task.Wait(stopCtx)
		if err == nil {
			if err := i.task.Kill(stopCtx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
				shutdownErr = fmt.Errorf("failed to kill task: %w", err)
				return
			}
			select {
			case <-statusC:
			case <-stopCtx.Done():
			}
		}

		if _, err := i.task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
			shutdownErr = fmt.Errorf("failed to delete task: %w", err)
			return
		}

		if err := i.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
			shutdownErr = fmt.Errorf("failed to delete container: %w", err)
		}
	})
	return shutdownErr
}

type containerdProcess struct {
	proc      containerd.Process
	statusC   <-chan containerd.ExitStatus
	namespace string
}

func (p *containerdProcess) PID() int {
	return int(p.proc.Pid())
}

func (p *containerdProcess) Wait() (int, error) {
	status := <-p.statusC
	code, _, err := status.Result()

	ctx := namespaces.WithNamespace(context.Background(), p.namespace)
	if _, derr := p.proc.Delete(ctx); derr != nil && !errdefs.IsNotFound(derr) {
		logger := log.WithComponent("containerd")
		logger.Debug().Err(derr).Msg("Failed to delete exec process")
	}

	if err != nil {
		return -1, err
	}
	return int(code), nil
}

func (p *containerdProcess) Kill(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, p.namespace)
	if err := p.proc.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}
