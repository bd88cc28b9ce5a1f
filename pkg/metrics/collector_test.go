package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	state    string
	ready    bool
	procs    int
	entries  int
	cacheErr error
}

func (f *fakeSource) SandboxState() (string, bool) { return f.state, f.ready }
func (f *fakeSource) TrackedProcesses() int        { return f.procs }
func (f *fakeSource) CacheEntries() (int, error)   { return f.entries, f.cacheErr }

func TestCollector_Collect(t *testing.T) {
	resetHealth("")
	states := []string{"not_booted", "booting", "ready", "error"}

	src := &fakeSource{state: "ready", ready: true, procs: 2, entries: 5}
	c := NewCollector(src, states, time.Minute)
	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(TrackedProcesses))
	assert.Equal(t, float64(5), testutil.ToFloat64(CacheEntries))
	assert.Equal(t, float64(1), testutil.ToFloat64(SessionState.WithLabelValues("ready")))
	assert.Equal(t, "ready", GetReadiness().Status)

	src.cacheErr = errors.New("store closed")
	src.state, src.ready = "error", false
	c.collect()

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "unhealthy: store closed", GetHealth().Components[ComponentStore])
}
