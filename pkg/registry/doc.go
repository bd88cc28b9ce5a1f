// Package registry tracks long-running sandbox processes such as dev servers
// so they can be swept on project switch or reset.
package registry
