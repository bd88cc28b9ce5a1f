package projectstate

import (
	"errors"
	"fmt"

	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/runtime"
	"github.com/cuemby/playpen/pkg/storage"
	"github.com/cuemby/playpen/pkg/types"
	"github.com/rs/zerolog"
)

// SessionProbe reports whether the sandbox is live without booting it
type SessionProbe interface {
	GetIfBooted() (runtime.Instance, error)
}

// Tracker persists the project session state of one client session. The
// record survives a restart with the same client ID; a new client ID starts
// empty.
type Tracker struct {
	clientID string
	store    storage.Store
	session  SessionProbe
	logger   zerolog.Logger
}

// New creates a tracker for clientID
func New(clientID string, store storage.Store, session SessionProbe) *Tracker {
	return &Tracker{
		clientID: clientID,
		store:    store,
		session:  session,
		logger:   log.WithClientID(clientID),
	}
}

// ClientID returns the client session the tracker belongs to
func (t *Tracker) ClientID() string {
	return t.clientID
}

// Get returns the persisted state, or nil when there is none
func (t *Tracker) Get() (*types.ProjectSessionState, error) {
	state, err := t.store.GetProjectState(t.clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project state: %w", err)
	}
	return state, nil
}

func (t *Tracker) Set(state *types.ProjectSessionState) error {
	if err := t.store.PutProjectState(t.clientID, state); err != nil {
		return fmt.Errorf("failed to save project state: %w", err)
	}
	return nil
}

func (t *Tracker) Clear() error {
	if err := t.store.DeleteProjectState(t.clientID); err != nil {
		return fmt.Errorf("failed to clear project state: %w", err)
	}
	return nil
}

// SetProject records projectID as mounted but not yet serving
func (t *Tracker) SetProject(projectID string) error {
	return t.Set(&types.ProjectSessionState{ProjectID: projectID})
}

// MarkReady records that the dev server for projectID is serving in the
// currently booted sandbox
func (t *Tracker) MarkReady(projectID, previewURL, processID string) error {
	inst, err := t.session.GetIfBooted()
	if err != nil {
		return fmt.Errorf("failed to mark %s ready: %w", projectID, err)
	}
	return t.Set(&types.ProjectSessionState{
		ProjectID:          projectID,
		IsReady:            true,
		PreviewURL:         types.StringPtr(previewURL),
		DevServerProcessID: types.StringPtr(processID),
		InstanceID:         inst.ID(),
	})
}

// IsReady reports whether projectID is recorded as ready in the sandbox
// instance that is live now. A record left over from an earlier boot claims
// readiness for a sandbox that no longer exists and is not trusted, even
// once a fresh sandbox has booted.
func (t *Tracker) IsReady(projectID string) bool {
	state, err := t.Get()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to read project state")
		return false
	}
	if state == nil || state.ProjectID != projectID || !state.IsReady {
		return false
	}

	inst, err := t.session.GetIfBooted()
	if err != nil {
		t.logger.Debug().
			Str("project_id", projectID).
			Msg("Project state claims ready but sandbox is not booted")
		return false
	}
	if inst.ID() != state.InstanceID {
		t.logger.Debug().
			Str("project_id", projectID).
			Str("recorded_instance", state.InstanceID).
			Str("instance", inst.ID()).
			Msg("Project state claims ready for an earlier sandbox instance")
		return false
	}
	return true
}
