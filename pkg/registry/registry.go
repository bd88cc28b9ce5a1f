package registry

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/playpen/pkg/events"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/cuemby/playpen/pkg/types"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Trackable is a process the registry can watch and terminate
type Trackable interface {
	PID() int
	Done() <-chan struct{}
	Kill(ctx context.Context) error
}

type entry struct {
	id        string
	command   string
	startedAt time.Time
	proc      Trackable
}

func (e *entry) info() types.ProcessInfo {
	return types.ProcessInfo{
		ID:        e.id,
		Command:   e.command,
		PID:       e.proc.PID(),
		StartedAt: e.startedAt,
	}
}

// Registry is the sole owner of tracked processes. Callers hold only the
// returned IDs. Entries disappear on natural exit or when killed.
type Registry struct {
	entries *xsync.MapOf[string, *entry]
	events  *events.Broker
	logger  zerolog.Logger
}

// New creates an empty registry. broker may be nil.
func New(broker *events.Broker) *Registry {
	return &Registry{
		entries: xsync.NewMapOf[string, *entry](),
		events:  broker,
		logger:  log.WithComponent("registry"),
	}
}

// Track starts watching proc and returns its ID. The entry is removed when
// the process exits.
func (r *Registry) Track(proc Trackable, command string) string {
	e := &entry{
		id:        uuid.NewString(),
		command:   command,
		startedAt: time.Now(),
		proc:      proc,
	}
	r.entries.Store(e.id, e)
	metrics.TrackedProcesses.Set(float64(r.entries.Size()))

	r.logger.Debug().
		Str("process_id", e.id).
		Str("command", command).
		Int("pid", proc.PID()).
		Msg("Tracking process")
	r.events.Emit(events.EventProcessStarted, command, map[string]string{
		"process_id": e.id,
		"pid":        strconv.Itoa(proc.PID()),
	})

	go r.watch(e)
	return e.id
}

func (r *Registry) watch(e *entry) {
	<-e.proc.Done()

	// Kill may already have removed it
	if _, ok := r.entries.LoadAndDelete(e.id); !ok {
		return
	}
	metrics.TrackedProcesses.Set(float64(r.entries.Size()))

	r.logger.Debug().
		Str("process_id", e.id).
		Str("command", e.command).
		Msg("Tracked process exited")
	r.events.Emit(events.EventProcessExited, e.command, map[string]string{"process_id": e.id})
}

// Kill terminates a tracked process and forgets it. It reports whether the
// ID was tracked. A failed kill is logged and the entry is removed anyway.
func (r *Registry) Kill(ctx context.Context, id string) bool {
	e, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return false
	}
	metrics.TrackedProcesses.Set(float64(r.entries.Size()))

	if err := e.proc.Kill(ctx); err != nil {
		metrics.ProcessKillsTotal.WithLabelValues("failure").Inc()
		logger := log.WithProcessID(id)
		logger.Error().
			Err(err).
			Str("command", e.command).
			Msg("Failed to kill process, dropping it from the registry")
	} else {
		metrics.ProcessKillsTotal.WithLabelValues("success").Inc()
		r.logger.Debug().Str("process_id", id).Str("command", e.command).Msg("Killed process")
	}

	r.events.Emit(events.EventProcessKilled, e.command, map[string]string{"process_id": id})
	return true
}

// KillAll terminates every tracked process and returns how many were killed
func (r *Registry) KillAll(ctx context.Context) int {
	var ids []string
	r.entries.Range(func(id string, _ *entry) bool {
		ids = append(ids, id)
		return true
	})

	killed := 0
	for _, id := range ids {
		if r.Kill(ctx, id) {
			killed++
		}
	}

	if killed > 0 {
		r.logger.Info().Int("count", killed).Msg("Killed all tracked processes")
	}
	return killed
}

// List returns a snapshot of tracked processes ordered by start time
func (r *Registry) List() []types.ProcessInfo {
	infos := make([]types.ProcessInfo, 0, r.entries.Size())
	r.entries.Range(func(_ string, e *entry) bool {
		infos = append(infos, e.info())
		return true
	})

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Get returns the tracked process with id
func (r *Registry) Get(id string) (types.ProcessInfo, bool) {
	e, ok := r.entries.Load(id)
	if !ok {
		return types.ProcessInfo{}, false
	}
	return e.info(), true
}

// IsLive reports whether id is tracked and its process has not exited
func (r *Registry) IsLive(id string) bool {
	e, ok := r.entries.Load(id)
	if !ok {
		return false
	}
	select {
	case <-e.proc.Done():
		return false
	default:
		return true
	}
}

// Len returns the number of tracked processes
func (r *Registry) Len() int {
	return r.entries.Size()
}
