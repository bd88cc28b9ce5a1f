package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	killErr error
	kills   atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) exit()                 { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) Kill(ctx context.Context) error {
	p.kills.Add(1)
	if p.killErr != nil {
		return p.killErr
	}
	p.exit()
	return nil
}

func TestRegistry_NaturalExitEmptiesRegistry(t *testing.T) {
	r := New(nil)

	const n = 5
	procs := make([]*fakeProcess, n)
	for i := range procs {
		procs[i] = newFakeProcess(100 + i)
		r.Track(procs[i], "npm run dev")
	}
	assert.Equal(t, n, r.Len())

	for _, p := range procs {
		p.exit()
	}

	require.Eventually(t, func() bool {
		return len(r.List()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_KillAll(t *testing.T) {
	r := New(nil)

	const n = 4
	procs := make([]*fakeProcess, n)
	for i := range procs {
		procs[i] = newFakeProcess(200 + i)
		r.Track(procs[i], "vite")
	}

	assert.Equal(t, n, r.KillAll(context.Background()))
	assert.Empty(t, r.List())
	for _, p := range procs {
		assert.Equal(t, int32(1), p.kills.Load())
	}

	// Nothing left to kill
	assert.Equal(t, 0, r.KillAll(context.Background()))
}

func TestRegistry_Kill(t *testing.T) {
	r := New(nil)
	p := newFakeProcess(1)
	id := r.Track(p, "npm run dev")

	assert.True(t, r.IsLive(id))
	assert.True(t, r.Kill(context.Background(), id))
	assert.False(t, r.Kill(context.Background(), id))
	assert.False(t, r.Kill(context.Background(), "unknown"))
	assert.False(t, r.IsLive(id))
}

func TestRegistry_KillFailureStillRemoves(t *testing.T) {
	r := New(nil)
	p := newFakeProcess(1)
	p.killErr = errors.New("operation not permitted")

	id := r.Track(p, "stuck")

	assert.True(t, r.Kill(context.Background(), id))
	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ListAndGet(t *testing.T) {
	r := New(nil)

	first := r.Track(newFakeProcess(10), "npm run dev")
	time.Sleep(2 * time.Millisecond)
	second := r.Track(newFakeProcess(11), "npx tsc --watch")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, "npm run dev", list[0].Command)
	assert.Equal(t, 10, list[0].PID)
	assert.Equal(t, second, list[1].ID)
	assert.NotEqual(t, first, second)

	info, ok := r.Get(second)
	require.True(t, ok)
	assert.Equal(t, "npx tsc --watch", info.Command)
	assert.False(t, info.StartedAt.IsZero())

	r.KillAll(context.Background())
}

func TestRegistry_ExitedButNotYetRemovedIsNotLive(t *testing.T) {
	r := New(nil)
	p := newFakeProcess(1)
	id := r.Track(p, "node server.js")

	p.exit()
	assert.False(t, r.IsLive(id))
}
