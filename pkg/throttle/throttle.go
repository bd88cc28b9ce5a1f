package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/rs/zerolog"
)

// DefaultInterval is the minimum spacing between saves of one project
const DefaultInterval = 2 * time.Second

// ErrStopped is returned by Save after Stop
var ErrStopped = errors.New("throttle stopped")

// Saver persists project source to the project store
type Saver interface {
	SaveProject(ctx context.Context, projectID string, payload []byte) error
}

// SaverFunc adapts a function to Saver
type SaverFunc func(ctx context.Context, projectID string, payload []byte) error

func (f SaverFunc) SaveProject(ctx context.Context, projectID string, payload []byte) error {
	return f(ctx, projectID, payload)
}

type projectState struct {
	lastSaved  time.Time
	pending    []byte
	hasPending bool
	timer      *time.Timer
}

// Throttle coalesces rapid saves per project. A save goes through at once
// when the previous one is older than the interval; otherwise only the
// newest payload is kept and written when the interval has elapsed.
type Throttle struct {
	saver    Saver
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	projects map[string]*projectState
	stopped  bool
}

// New creates a save throttle
func New(saver Saver, interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{
		saver:    saver,
		interval: interval,
		logger:   log.WithComponent("throttle"),
		projects: make(map[string]*projectState),
	}
}

// Save persists payload now or schedules it. A scheduled payload is replaced
// by later calls until it is written.
func (t *Throttle) Save(ctx context.Context, projectID string, payload []byte) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}

	st, ok := t.projects[projectID]
	if !ok {
		st = &projectState{}
		t.projects[projectID] = st
	}

	elapsed := time.Since(st.lastSaved)
	if st.timer == nil && elapsed >= t.interval {
		st.lastSaved = time.Now()
		t.mu.Unlock()
		return t.write(ctx, projectID, payload)
	}

	if st.hasPending {
		metrics.ProjectSavesTotal.WithLabelValues("coalesced").Inc()
	}
	st.pending = payload
	st.hasPending = true

	if st.timer == nil {
		st.timer = time.AfterFunc(t.interval-elapsed, func() {
			t.fire(projectID)
		})
	}
	t.mu.Unlock()
	return nil
}

func (t *Throttle) fire(projectID string) {
	payload, ok := t.take(projectID)
	if !ok {
		return
	}
	if err := t.write(context.Background(), projectID, payload); err != nil {
		t.logger.Error().Err(err).Str("project_id", projectID).Msg("Throttled save failed")
	}
}

// take removes the pending payload and disarms the timer
func (t *Throttle) take(projectID string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.projects[projectID]
	if !ok {
		return nil, false
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if !st.hasPending {
		return nil, false
	}

	payload := st.pending
	st.pending = nil
	st.hasPending = false
	st.lastSaved = time.Now()
	return payload, true
}

func (t *Throttle) write(ctx context.Context, projectID string, payload []byte) error {
	if err := t.saver.SaveProject(ctx, projectID, payload); err != nil {
		metrics.ProjectSavesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ProjectSavesTotal.WithLabelValues("saved").Inc()

	t.mu.Lock()
	if st, ok := t.projects[projectID]; ok {
		st.lastSaved = time.Now()
	}
	t.mu.Unlock()
	return nil
}

// Pending reports whether projectID has a payload waiting to be written
func (t *Throttle) Pending(projectID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.projects[projectID]
	return ok && st.hasPending
}

// Flush writes the pending payload of projectID immediately, if any
func (t *Throttle) Flush(ctx context.Context, projectID string) error {
	payload, ok := t.take(projectID)
	if !ok {
		return nil
	}
	return t.write(ctx, projectID, payload)
}

// FlushAll writes every pending payload
func (t *Throttle) FlushAll(ctx context.Context) error {
	t.mu.Lock()
	ids := make([]string, 0, len(t.projects))
	for id, st := range t.projects {
		if st.hasPending {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := t.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop disarms all timers. Pending payloads are dropped; call FlushAll
// first to keep them.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for _, st := range t.projects {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.pending = nil
		st.hasPending = false
	}
}
