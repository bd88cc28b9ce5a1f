// Package command spawns commands inside the sandbox.
//
// Spawn starts a process and returns a handle with an exit future (Done,
// Wait). Output goes to the writer given at spawn time, stdout and stderr
// interleaved in emitted order. RunAndCapture buffers output and races the
// exit against a timeout; losing the race does not stop the process.
// RunExpectingArtifact accepts a timed out command as a delayed success when
// its expected artifact already exists in the sandbox. Options.KillAfter is
// the hard deadline for commands that must not outlive the caller.
package command
