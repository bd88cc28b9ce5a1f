package command

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/cuemby/playpen/pkg/errdefs"
	"github.com/cuemby/playpen/pkg/fs"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/cuemby/playpen/pkg/runtime"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// Options control how a command is spawned
type Options struct {
	// Dir is the working directory relative to the sandbox root
	Dir string
	Env []string

	// Output receives stdout and stderr in emitted order. It is attached
	// before the process starts so no early output is lost.
	Output io.Writer

	// KillAfter forcibly terminates the process once it has run this long.
	// Zero leaves it running until it exits or is killed.
	KillAfter time.Duration
}

// Runner spawns commands inside the sandbox
type Runner struct {
	sandbox fs.Provider
	files   *fs.FS
	logger  zerolog.Logger
}

// NewRunner creates a command runner. files is used to look for the
// artifacts of commands that time out.
func NewRunner(sandbox fs.Provider, files *fs.FS) *Runner {
	return &Runner{
		sandbox: sandbox,
		files:   files,
		logger:  log.WithComponent("command"),
	}
}

// Process is a spawned command
type Process struct {
	proc      runtime.Process
	command   string
	startedAt time.Time

	done     chan struct{}
	exitCode int
	err      error

	killTimer *time.Timer
}

// Spawn starts name with args in the sandbox and returns immediately. The
// process is not registered anywhere; callers that need to sweep it later
// track it themselves.
func (r *Runner) Spawn(ctx context.Context, name string, args []string, opts Options) (*Process, error) {
	inst, err := r.sandbox.Boot(ctx)
	if err != nil {
		return nil, err
	}

	command := shellquote.Join(append([]string{name}, args...)...)

	proc, err := inst.Start(ctx, runtime.ProcessSpec{
		Command: name,
		Args:    args,
		Dir:     opts.Dir,
		Env:     opts.Env,
	}, opts.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %q: %w", command, err)
	}

	p := &Process{
		proc:      proc,
		command:   command,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
	}

	if opts.KillAfter > 0 {
		p.killTimer = time.AfterFunc(opts.KillAfter, func() {
			r.logger.Warn().
				Str("command", command).
				Dur("kill_after", opts.KillAfter).
				Msg("Hard deadline reached, killing process")
			if err := p.Kill(context.Background()); err != nil {
				r.logger.Error().Err(err).Str("command", command).Msg("Failed to kill process")
			}
		})
	}

	go p.wait()

	r.logger.Debug().
		Str("command", command).
		Int("pid", proc.PID()).
		Msg("Spawned process")

	return p, nil
}

func (p *Process) wait() {
	code, err := p.proc.Wait()
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.exitCode = code
	p.err = err
	close(p.done)
}

// Command returns the command line the process was started with
func (p *Process) Command() string {
	return p.command
}

func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

func (p *Process) PID() int {
	return p.proc.PID()
}

// Done is closed when the process exits
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done. Giving up on ctx does
// not stop the process.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ExitCode returns the exit code and whether the process has exited
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return -1, false
	}
}

// Kill forcibly terminates the process. Killing an exited process is a no-op.
func (p *Process) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.proc.Kill(ctx)
}

// Result is the outcome of a captured command
type Result struct {
	Command  string
	Output   string
	ExitCode int
	Duration time.Duration

	// TimedOut is set when the command was still running at the deadline
	TimedOut bool

	// Delayed is set when a timed out command had already produced its
	// expected artifact and was accepted as a success
	Delayed bool

	// Process is the underlying process, still running if TimedOut
	Process *Process
}

// RunAndCapture runs a command to completion, buffering its output. If the
// command is still running after timeout the partial result is returned with
// an errdefs.ErrCommandTimeout error and the process is left running.
func (r *Runner) RunAndCapture(ctx context.Context, name string, args []string, timeout time.Duration) (*Result, error) {
	return r.RunAndCaptureWith(ctx, name, args, timeout, Options{})
}

// RunAndCaptureWith is RunAndCapture with spawn options. opts.Output, if
// set, receives the output as it is produced in addition to the buffer.
func (r *Runner) RunAndCaptureWith(ctx context.Context, name string, args []string, timeout time.Duration, opts Options) (*Result, error) {
	buf := &Buffer{}
	if opts.Output != nil {
		opts.Output = io.MultiWriter(buf, opts.Output)
	} else {
		opts.Output = buf
	}

	timer := metrics.NewTimer()
	proc, err := r.Spawn(ctx, name, args, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{Command: proc.Command(), ExitCode: -1, Process: proc}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-proc.Done():
		werr := proc.err
		res.ExitCode = proc.exitCode
		res.Output = buf.String()
		res.Duration = timer.Duration()
		timer.ObserveDurationVec(metrics.CommandDuration, path.Base(name))
		if werr != nil {
			return res, fmt.Errorf("failed waiting for %q: %w", res.Command, werr)
		}
		return res, nil

	case <-deadline:
		res.TimedOut = true
		res.Output = buf.String()
		res.Duration = timer.Duration()
		metrics.CommandTimeoutsTotal.WithLabelValues("timeout").Inc()

		r.logger.Warn().
			Str("command", res.Command).
			Dur("timeout", timeout).
			Msg("Command timed out")
		return res, &errdefs.Error{
			Kind:     errdefs.ErrCommandTimeout,
			Op:       res.Command,
			Output:   res.Output,
			ExitCode: -1,
		}

	case <-ctx.Done():
		res.Output = buf.String()
		return res, ctx.Err()
	}
}

// RunExpectingArtifact runs a command whose success leaves artifact in the
// sandbox. A timeout is accepted as a delayed success when artifact already
// exists; otherwise the timeout error is returned. Non-zero exits are
// reported in the result and left to the caller.
func (r *Runner) RunExpectingArtifact(ctx context.Context, name string, args []string, timeout time.Duration, artifact string, opts Options) (*Result, error) {
	res, err := r.RunAndCaptureWith(ctx, name, args, timeout, opts)
	if err == nil || !errdefs.IsTimeout(err) {
		return res, err
	}

	exists, ferr := r.files.Exists(ctx, artifact)
	if ferr != nil {
		r.logger.Warn().Err(ferr).Str("artifact", artifact).Msg("Failed to check for artifact")
		return res, err
	}
	if !exists {
		return res, err
	}

	res.Delayed = true
	res.ExitCode = 0
	metrics.CommandTimeoutsTotal.WithLabelValues("delayed_success").Inc()

	r.logger.Warn().
		Str("command", res.Command).
		Str("artifact", artifact).
		Msg("Command timed out but its artifact exists, treating as success")
	return res, nil
}

// Buffer is an output sink that is safe to read while a process writes to it
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	return len(p), nil
}

// String returns everything written so far
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Tail returns at most the last n bytes of output
func Tail(output string, n int) string {
	if len(output) <= n {
		return output
	}
	return output[len(output)-n:]
}
