package storage

import (
	"errors"
	"time"

	"github.com/cuemby/playpen/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the durable state playpen keeps across restarts
type Store interface {
	// Dependency cache. One generation per project; Put replaces the
	// previous entry and all of its files.
	PutDependencyCache(entry *types.DependencyCacheEntry, files []types.CachedFile) error
	GetDependencyCache(projectID string) (*types.DependencyCacheEntry, error)
	ForEachDependencyFile(projectID string, fn func(path string, data []byte) error) error
	ListDependencyCaches() ([]*types.DependencyCacheEntry, error)
	TouchDependencyCache(projectID string, at time.Time) error
	DeleteDependencyCache(projectID string) error

	// Project session state, keyed by client session ID
	PutProjectState(clientID string, state *types.ProjectSessionState) error
	GetProjectState(clientID string) (*types.ProjectSessionState, error)
	DeleteProjectState(clientID string) error

	// Project sources saved through the write throttle
	PutProjectSource(projectID string, payload []byte) error
	GetProjectSource(projectID string) ([]byte, error)

	// Utility
	Close() error
}
