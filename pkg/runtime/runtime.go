package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrAlreadyBooted is returned by Boot when the runtime already has a live
// sandbox instance. Only one instance may exist at a time.
var ErrAlreadyBooted = errors.New("sandbox runtime already booted")

// ProcessSpec describes a command to run inside the sandbox
type ProcessSpec struct {
	Command string
	Args    []string
	Dir     string // Relative to the sandbox root
	Env     []string
}

// Runtime boots sandbox instances
type Runtime interface {
	// Name returns the runtime identifier (e.g., "local", "containerd")
	Name() string

	// Boot initializes the sandbox. It must not be called while a previous
	// Boot is still in flight.
	Boot(ctx context.Context) (Instance, error)
}

// Attacher is implemented by runtimes that can hand out the instance that is
// already live after a Boot returned ErrAlreadyBooted
type Attacher interface {
	Attach(ctx context.Context) (Instance, error)
}

// Instance is a booted sandbox
type Instance interface {
	// ID uniquely identifies this boot of the sandbox
	ID() string

	// Root is the host path of the sandbox filesystem
	Root() string

	// Start spawns a process. Stdout and stderr are both written to output in
	// the order they are emitted. The process is not bound to ctx.
	Start(ctx context.Context, spec ProcessSpec, output io.Writer) (Process, error)

	// Address returns the reachable address for a port served inside the sandbox
	Address(port int) string

	// Shutdown tears the sandbox down
	Shutdown(ctx context.Context) error
}

// Process is a running command inside the sandbox
type Process interface {
	PID() int

	// Wait blocks until the process exits and returns its exit code.
	// It must be called exactly once.
	Wait() (int, error)

	// Kill forcibly terminates the process
	Kill(ctx context.Context) error
}
