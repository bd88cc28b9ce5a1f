// Package session owns the lifecycle of the one sandbox a client session
// runs. Boot is idempotent and deduplicated: concurrent callers share a single
// in-flight boot and observe the same instance or the same error. A failed
// boot leaves the session in the Error state and the next Boot retries from
// scratch.
package session
