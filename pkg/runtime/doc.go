/*
Package runtime provides the sandbox backends playpen runs projects in.

A Runtime boots exactly one Instance at a time. The Instance owns a host
directory that backs the sandbox filesystem and spawns processes against it.
Booting a runtime that already has a live instance fails with
ErrAlreadyBooted; runtimes that implement Attacher can hand out the live
instance instead.

# Backends

LocalRuntime runs processes directly on the host with os/exec, confined to
the sandbox root. Each process gets its own process group so Kill also
reaches children such as a bundler started by a package manager script.

ContainerdRuntime runs one long-lived container from a toolchain image. The
sandbox root is bind-mounted at /workspace and commands are started with
task exec. The container shares the host network namespace so dev servers
are reachable on 127.0.0.1.

# Usage

	rt := runtime.NewLocalRuntime(runtime.LocalConfig{Root: "./data/sandbox"})
	inst, err := rt.Boot(ctx)
	if err != nil {
		return err
	}
	defer inst.Shutdown(ctx)

	var buf bytes.Buffer
	proc, err := inst.Start(ctx, runtime.ProcessSpec{Command: "npm", Args: []string{"--version"}}, &buf)
	if err != nil {
		return err
	}
	code, err := proc.Wait()
*/
package runtime
