// Package throttle coalesces rapid writes of project source so the project
// store sees at most one save per project per interval.
package throttle
