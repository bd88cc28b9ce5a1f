// Package projectstate records which project a client session has wired into
// the sandbox and where its dev server can be reached.
package projectstate
