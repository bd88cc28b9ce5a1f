package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/playpen/pkg/errdefs"
	"github.com/cuemby/playpen/pkg/events"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/cuemby/playpen/pkg/runtime"
	"github.com/cuemby/playpen/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRaceRecoveryDelay is how long to wait before adopting a sandbox
	// that another boot brought up
	DefaultRaceRecoveryDelay = 500 * time.Millisecond

	bootKey = "boot"
)

// Config configures a Manager
type Config struct {
	RaceRecoveryDelay time.Duration
	Events            *events.Broker
}

// Manager owns the single sandbox boot lifecycle.
//
// States move NotBooted -> Booting -> Ready, Booting -> Error on failure and
// Error -> Booting on retry. At most one underlying boot runs at a time; every
// caller that arrives while it runs receives the same outcome.
type Manager struct {
	rt     runtime.Runtime
	events *events.Broker
	logger zerolog.Logger

	raceRecoveryDelay time.Duration

	mu       sync.Mutex
	state    types.SessionState
	instance runtime.Instance
	lastErr  error

	inflight singleflight.Group
}

// NewManager creates a session manager for rt. Nothing is booted until the
// first call to Boot.
func NewManager(rt runtime.Runtime, cfg Config) *Manager {
	if cfg.RaceRecoveryDelay <= 0 {
		cfg.RaceRecoveryDelay = DefaultRaceRecoveryDelay
	}

	m := &Manager{
		rt:                rt,
		events:            cfg.Events,
		logger:            log.WithComponent("session"),
		raceRecoveryDelay: cfg.RaceRecoveryDelay,
		state:             types.SessionStateNotBooted,
	}
	metrics.SetSessionState(string(m.state), types.SessionStateNames())
	return m
}

// Boot returns the ready sandbox, booting it if needed. ctx bounds only this
// caller's wait: a boot shared with other callers keeps running when ctx is
// done.
func (m *Manager) Boot(ctx context.Context) (runtime.Instance, error) {
	if inst, err := m.GetIfBooted(); err == nil {
		return inst, nil
	}

	ch := m.inflight.DoChan(bootKey, func() (interface{}, error) {
		return m.boot(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(runtime.Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetIfBooted returns the sandbox only if it is Ready. It never triggers a boot.
func (m *Manager) GetIfBooted() (runtime.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.SessionStateReady {
		return nil, errdefs.ErrNotBooted
	}
	return m.instance, nil
}

// State returns the current session state
func (m *Manager) State() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error of the last failed boot, if the session is in
// the Error state
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// RuntimeName returns the name of the underlying runtime
func (m *Manager) RuntimeName() string {
	return m.rt.Name()
}

// Shutdown tears the sandbox down and returns the session to NotBooted
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	inst := m.instance
	m.instance = nil
	m.lastErr = nil
	m.setStateLocked(types.SessionStateNotBooted)
	m.mu.Unlock()

	if inst == nil {
		return nil
	}

	m.logger.Info().Str("instance_id", inst.ID()).Msg("Shutting down sandbox")
	if err := inst.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down sandbox: %w", err)
	}
	return nil
}

func (m *Manager) boot(ctx context.Context) (runtime.Instance, error) {
	m.mu.Lock()
	if m.state == types.SessionStateReady {
		inst := m.instance
		m.mu.Unlock()
		return inst, nil
	}
	m.setStateLocked(types.SessionStateBooting)
	m.mu.Unlock()

	m.logger.Info().Str("runtime", m.rt.Name()).Msg("Booting sandbox")
	m.events.Emit(events.EventSessionBooting, "booting sandbox", map[string]string{"runtime": m.rt.Name()})

	timer := metrics.NewTimer()
	result := "success"

	inst, err := m.rt.Boot(ctx)
	if errors.Is(err, runtime.ErrAlreadyBooted) {
		m.logger.Warn().Dur("delay", m.raceRecoveryDelay).Msg("Sandbox already booted, attempting recovery")
		inst, err = m.recoverRace(ctx, err)
		result = "recovered"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		metrics.SessionBootsTotal.WithLabelValues("failure").Inc()
		m.instance = nil
		m.lastErr = errdefs.New(errdefs.ErrBootFailure, "boot", err)
		m.setStateLocked(types.SessionStateError)

		m.logger.Error().Err(err).Msg("Sandbox boot failed")
		m.events.Emit(events.EventSessionFailed, err.Error(), nil)
		return nil, m.lastErr
	}

	timer.ObserveDuration(metrics.SessionBootDuration)
	metrics.SessionBootsTotal.WithLabelValues(result).Inc()

	m.instance = inst
	m.lastErr = nil
	m.setStateLocked(types.SessionStateReady)

	m.logger.Info().
		Str("instance_id", inst.ID()).
		Dur("duration", timer.Duration()).
		Msg("Sandbox ready")
	m.events.Emit(events.EventSessionReady, "sandbox ready", map[string]string{"instance_id": inst.ID()})
	return inst, nil
}

// recoverRace adopts the instance a concurrent boot produced
func (m *Manager) recoverRace(ctx context.Context, cause error) (runtime.Instance, error) {
	select {
	case <-time.After(m.raceRecoveryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	if m.instance != nil {
		inst := m.instance
		m.mu.Unlock()
		return inst, nil
	}
	m.mu.Unlock()

	attacher, ok := m.rt.(runtime.Attacher)
	if !ok {
		return nil, cause
	}

	inst, err := attacher.Attach(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: attach failed: %v", cause, err)
	}
	return inst, nil
}

func (m *Manager) setStateLocked(state types.SessionState) {
	m.state = state
	metrics.SetSessionState(string(state), types.SessionStateNames())
}
