package types

import (
	"time"
)

// SessionState is the lifecycle state of the single sandbox session
type SessionState string

const (
	SessionStateNotBooted SessionState = "not_booted"
	SessionStateBooting   SessionState = "booting"
	SessionStateReady     SessionState = "ready"
	SessionStateError     SessionState = "error"
)

// ProcessInfo is a read-only snapshot of a tracked process
type ProcessInfo struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// DependencyCacheEntry describes a cached dependency install for a project.
// The file contents are stored alongside the entry and are not part of it.
type DependencyCacheEntry struct {
	ProjectID    string    `json:"project_id"`
	ManifestHash string    `json:"manifest_hash"`
	FileCount    int       `json:"file_count"`
	TotalBytes   int64     `json:"total_bytes"`
	SavedAt      time.Time `json:"saved_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// CachedFile is one file of a cached dependency tree, relative to the
// dependency directory
type CachedFile struct {
	Path string
	Data []byte
}

// ProjectSessionState records which project is wired into the sandbox for a
// client session and whether its dev server is serving.
// PreviewURL and DevServerProcessID are null until a dev server is ready.
// InstanceID is the sandbox instance the dev server was provisioned in.
type ProjectSessionState struct {
	ProjectID          string  `json:"projectId"`
	IsReady            bool    `json:"isReady"`
	PreviewURL         *string `json:"previewUrl"`
	DevServerProcessID *string `json:"devServerProcessId"`
	InstanceID         string  `json:"instanceId,omitempty"`
}

// Preview returns the preview URL or an empty string
func (s *ProjectSessionState) Preview() string {
	if s == nil || s.PreviewURL == nil {
		return ""
	}
	return *s.PreviewURL
}

// DevServer returns the dev server process ID or an empty string
func (s *ProjectSessionState) DevServer() string {
	if s == nil || s.DevServerProcessID == nil {
		return ""
	}
	return *s.DevServerProcessID
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SessionStateNames lists every session state in lifecycle order
func SessionStateNames() []string {
	return []string{
		string(SessionStateNotBooted),
		string(SessionStateBooting),
		string(SessionStateReady),
		string(SessionStateError),
	}
}
