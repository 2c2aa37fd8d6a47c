package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/foreman/internal/project"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/store"
)

type fakeAdapter struct {
	mu         sync.Mutex
	alive      map[string]bool
	spawnErr   error
	spawned    int
	terminated []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{alive: make(map[string]bool)}
}

func (f *fakeAdapter) Spawn(_ context.Context, p project.Project, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawned++
	handle := "session_" + p.ID + "_" + sessionID
	f.alive[handle] = true
	return handle, nil
}

func (f *fakeAdapter) Terminate(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, handle)
	delete(f.alive, handle)
	return nil
}

func (f *fakeAdapter) IsAlive(_ context.Context, handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[handle]
}

func (f *fakeAdapter) kill(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, handle)
}

type recordingHook struct {
	mu    sync.Mutex
	ended []string
}

func (h *recordingHook) OnSessionEnded(_ context.Context, p project.Project) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, p.ID)
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ended)
}

type harness struct {
	mgr     *session.Manager
	store   *store.Memory
	adapter *fakeAdapter
	hook    *recordingHook
	events  *[]string
}

func newHarness(t *testing.T) harness {
	t.Helper()
	reg, err := project.NewRegistry(
		project.Project{ID: "alpha", Path: t.TempDir()},
		project.Project{ID: "beta", Path: t.TempDir()},
	)
	require.NoError(t, err)

	mem := store.NewMemory()
	adapter := newFakeAdapter()
	hook := &recordingHook{}
	mgr := session.NewManager(mem, adapter, reg, nil)
	mgr.SetEndHook(hook)

	var (
		mu     sync.Mutex
		events []string
	)
	mgr.SetEventHook(func(event string, _ session.Session) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})
	return harness{mgr: mgr, store: mem, adapter: adapter, hook: hook, events: &events}
}

func runningCount(t *testing.T, h harness, projectID string) int {
	t.Helper()
	list, err := h.store.ListSessions(context.Background(), projectID, 0)
	require.NoError(t, err)
	n := 0
	for _, s := range list {
		if s.Status == session.StatusRunning {
			n++
		}
	}
	return n
}

func TestStartMarksRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.mgr.Start(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, s.Status)
	assert.Equal(t, "session_alpha_"+s.ID, s.Handle)
	require.NotNil(t, s.StartedAt)
	assert.True(t, h.mgr.IsRunning(ctx, s.ID))

	current, err := h.mgr.Current(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, s.ID, current.ID)
	assert.Equal(t, []string{"started"}, *h.events)
}

func TestStartUnknownProject(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), "nope")
	require.ErrorIs(t, err, project.ErrNotFound)
}

func TestAtMostOneRunningSessionPerProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.mgr.Start(ctx, "alpha")
	require.NoError(t, err)
	second, err := h.mgr.Start(ctx, "alpha")
	require.NoError(t, err)
	_, err = h.mgr.Start(ctx, "beta")
	require.NoError(t, err)

	assert.Equal(t, 1, runningCount(t, h, "alpha"))
	assert.Equal(t, 1, runningCount(t, h, "beta"))

	old, err := h.mgr.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, old.Status)
	assert.Empty(t, old.Handle)
	assert.Contains(t, h.adapter.terminated, first.Handle)
	assert.True(t, h.mgr.IsRunning(ctx, second.ID))
	assert.Equal(t, 1, h.hook.count(), "replacing a session ends the old one")
}

func TestConcurrentStartsLeaveOneRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.mgr.Start(ctx, "alpha")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, runningCount(t, h, "alpha"))
}

func TestSpawnFailureRecordsError(t *testing.T) {
	h := newHarness(t)
	h.adapter.spawnErr = errors.New("tmux missing")

	s, err := h.mgr.Start(context.Background(), "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tmux missing")
	assert.Equal(t, session.StatusError, s.Status)

	stored, err := h.mgr.Current(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, stored.Status)
	assert.Equal(t, "tmux missing", stored.Error)
	assert.Equal(t, []string{"spawn_failed"}, *h.events)
}

func TestStopFiresEndHookOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.mgr.Start(ctx, "alpha")
	require.NoError(t, err)

	stopped, err := h.mgr.Stop(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, stopped.Status)
	assert.Empty(t, stopped.Handle)

	_, err = h.mgr.Stop(ctx, s.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, h.hook.count())
	assert.False(t, h.mgr.IsRunning(ctx, s.ID))
	assert.Equal(t, []string{"started", "stopped"}, *h.events)
}

func TestStopUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Stop(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestIsRunningReconcilesDeadProcess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.mgr.Start(ctx, "alpha")
	require.NoError(t, err)
	h.adapter.kill(s.Handle)

	assert.False(t, h.mgr.IsRunning(ctx, s.ID))
	stored, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, stored.Status)
	assert.Empty(t, stored.Handle)
	assert.Zero(t, h.hook.count(), "reconciliation does not fire the end hook")
	assert.Equal(t, []string{"started", "reconciled"}, *h.events)

	_, ok := h.mgr.CurrentRunning(ctx, "alpha")
	assert.False(t, ok)
}

func TestIsRunningUnknownSessionIsFalse(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.mgr.IsRunning(context.Background(), "missing"))
}

func TestRunningListsAcrossProjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.mgr.Start(ctx, "alpha")
	require.NoError(t, err)
	b, err := h.mgr.Start(ctx, "beta")
	require.NoError(t, err)
	_, err = h.mgr.Stop(ctx, a.ID)
	require.NoError(t, err)

	running, err := h.mgr.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)

	list, err := h.mgr.List(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

type blockingHook struct {
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHook) OnSessionEnded(context.Context, project.Project) {
	h.entered <- struct{}{}
	<-h.release
}

func TestEndHookRunsOutsideProjectLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hook := &blockingHook{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h.mgr.SetEndHook(hook)

	s, err := h.mgr.Start(ctx, "alpha")
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() {
		_, err := h.mgr.Stop(ctx, s.ID)
		stopped <- err
	}()
	<-hook.entered

	started := make(chan error, 1)
	go func() {
		_, err := h.mgr.Start(ctx, "alpha")
		started <- err
	}()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(hook.release)
		t.Fatal("Start blocked behind the end hook of the previous session")
	}

	close(hook.release)
	require.NoError(t, <-stopped)
	assert.Equal(t, 1, runningCount(t, h, "alpha"))
}
