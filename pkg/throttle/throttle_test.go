package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type save struct {
	projectID string
	payload   string
}

type recordingSaver struct {
	mu    sync.Mutex
	saves []save
	err   error
}

func (s *recordingSaver) SaveProject(ctx context.Context, projectID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves = append(s.saves, save{projectID, string(payload)})
	return nil
}

func (s *recordingSaver) snapshot() []save {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]save(nil), s.saves...)
}

func TestThrottle_FirstSaveIsImmediate(t *testing.T) {
	saver := &recordingSaver{}
	th := New(saver, time.Hour)
	defer th.Stop()

	require.NoError(t, th.Save(context.Background(), "p1", []byte("v1")))
	assert.Equal(t, []save{{"p1", "v1"}}, saver.snapshot())
	assert.False(t, th.Pending("p1"))
}

func TestThrottle_CoalescesToNewest(t *testing.T) {
	saver := &recordingSaver{}
	th := New(saver, 100*time.Millisecond)
	defer th.Stop()
	ctx := context.Background()

	require.NoError(t, th.Save(ctx, "p1", []byte("v1")))
	require.NoError(t, th.Save(ctx, "p1", []byte("v2")))
	require.NoError(t, th.Save(ctx, "p1", []byte("v3")))
	assert.True(t, th.Pending("p1"))

	require.Eventually(t, func() bool {
		return len(saver.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []save{{"p1", "v1"}, {"p1", "v3"}}, saver.snapshot())
	assert.False(t, th.Pending("p1"))
}

func TestThrottle_ProjectsAreIndependent(t *testing.T) {
	saver := &recordingSaver{}
	th := New(saver, time.Hour)
	defer th.Stop()
	ctx := context.Background()

	require.NoError(t, th.Save(ctx, "p1", []byte("a")))
	require.NoError(t, th.Save(ctx, "p2", []byte("b")))

	assert.Equal(t, []save{{"p1", "a"}, {"p2", "b"}}, saver.snapshot())
}

func TestThrottle_Flush(t *testing.T) {
	saver := &recordingSaver{}
	th := New(saver, time.Hour)
	defer th.Stop()
	ctx := context.Background()

	require.NoError(t, th.Save(ctx, "p1", []byte("v1")))
	require.NoError(t, th.Save(ctx, "p1", []byte("v2")))
	require.NoError(t, th.Save(ctx, "p2", []byte("w1")))
	require.NoError(t, th.Save(ctx, "p2", []byte("w2")))

	require.NoError(t, th.Flush(ctx, "p1"))
	assert.Contains(t, saver.snapshot(), save{"p1", "v2"})

	// Nothing pending: no extra save
	require.NoError(t, th.Flush(ctx, "p1"))

	require.NoError(t, th.FlushAll(ctx))
	assert.Equal(t, []save{{"p1", "v1"}, {"p2", "w1"}, {"p1", "v2"}, {"p2", "w2"}}, saver.snapshot())
}

func TestThrottle_SaveError(t *testing.T) {
	saver := &recordingSaver{err: errors.New("store unavailable")}
	th := New(saver, time.Hour)
	defer th.Stop()

	assert.Error(t, th.Save(context.Background(), "p1", []byte("v1")))
}

func TestThrottle_Stop(t *testing.T) {
	saver := &recordingSaver{}
	th := New(saver, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, th.Save(ctx, "p1", []byte("v1")))
	require.NoError(t, th.Save(ctx, "p1", []byte("v2")))
	th.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []save{{"p1", "v1"}}, saver.snapshot())
	assert.ErrorIs(t, th.Save(ctx, "p1", []byte("v3")), ErrStopped)
}

func TestSaverFunc(t *testing.T) {
	var got string
	th := New(SaverFunc(func(ctx context.Context, projectID string, payload []byte) error {
		got = projectID + ":" + string(payload)
		return nil
	}), time.Hour)
	defer th.Stop()

	require.NoError(t, th.Save(context.Background(), "p1", []byte("x")))
	assert.Equal(t, "p1:x", got)
}
