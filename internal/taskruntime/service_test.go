package taskruntime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/foreman/internal/project"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/store"
	"github.com/ent0n29/foreman/internal/tasks"
)

type fakeSessions struct {
	mu      sync.Mutex
	running map[string]session.Session
}

func (f *fakeSessions) CurrentRunning(_ context.Context, projectID string) (session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.running[projectID]
	return s, ok
}

func (f *fakeSessions) Running(context.Context) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Session, 0, len(f.running))
	for _, s := range f.running {
		out = append(out, s)
	}
	return out, nil
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []string
	recorded []string
	sendErr  error
	recvErr  error
	// reply returns the output for a command; "" means no output yet.
	reply func(command string) string
	last  string
}

func (f *fakeChannel) Send(_ context.Context, _ string, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, command)
	f.last = command
	return nil
}

func (f *fakeChannel) Receive(context.Context, string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvErr != nil {
		return "", false, f.recvErr
	}
	if f.reply == nil || f.last == "" {
		return "", false, nil
	}
	out := f.reply(f.last)
	if out == "" {
		return "", false, nil
	}
	f.last = ""
	return out, true, nil
}

func (f *fakeChannel) Record(_ context.Context, _ string, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, output)
	return nil
}

func (f *fakeChannel) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type completionRecorder struct {
	mu           sync.Mutex
	descriptions []string
}

func (r *completionRecorder) OnTaskCompleted(_ context.Context, _ project.Project, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptions = append(r.descriptions, description)
}

type fixture struct {
	consumer *Consumer
	store    *store.Memory
	sessions *fakeSessions
	channel  *fakeChannel
	hook     *completionRecorder
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	reg := mustRegistry(t)
	mem := store.NewMemory()
	sessions := &fakeSessions{running: map[string]session.Session{
		"demo": {ID: uuid.NewString(), ProjectID: "demo", Status: session.StatusRunning},
	}}
	ch := &fakeChannel{reply: func(cmd string) string { return "ok: " + cmd }}
	hook := &completionRecorder{}
	c := New(cfg, mem, sessions, ch, reg, hook, nil, nil)
	t.Cleanup(c.Close)
	return fixture{consumer: c, store: mem, sessions: sessions, channel: ch, hook: hook}
}

func fastConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		MaxWait:      100 * time.Millisecond,
		IdleDelay:    time.Hour,
		BusyDelay:    time.Millisecond,
	}
}

func addTask(t *testing.T, f fixture, command string, sortOrder int, at time.Time) tasks.Task {
	t.Helper()
	task := tasks.Task{
		ID:        uuid.NewString(),
		ProjectID: "demo",
		Command:   command,
		Status:    tasks.StatusPending,
		Priority:  5,
		SortOrder: sortOrder,
		CreatedAt: at,
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

func TestTickProcessesInQueueOrder(t *testing.T) {
	f := newFixture(t, fastConfig())
	at := time.Now().UTC()
	addTask(t, f, "third", 3, at)
	addTask(t, f, "first", 1, at)
	addTask(t, f, "second", 2, at)

	for i := 0; i < 3; i++ {
		next, again := f.consumer.Tick(context.Background(), "demo")
		require.True(t, again)
		require.Equal(t, time.Millisecond, next, "busy reschedule")
	}
	assert.Equal(t, []string{"first", "second", "third"}, f.channel.sentCommands())

	next, again := f.consumer.Tick(context.Background(), "demo")
	assert.True(t, again)
	assert.Equal(t, time.Hour, next, "idle reschedule on an empty queue")
}

func TestTickCompletesTaskAndNotifies(t *testing.T) {
	f := newFixture(t, fastConfig())
	task := addTask(t, f, "list files", 0, time.Now().UTC())

	f.consumer.Tick(context.Background(), "demo")

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	assert.Equal(t, "ok: list files", got.Result)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"list files"}, f.hook.descriptions)
	assert.Equal(t, []string{"ok: list files"}, f.channel.recorded)
}

func TestTickExitsWhenSessionNotRunning(t *testing.T) {
	f := newFixture(t, fastConfig())
	task := addTask(t, f, "ls", 0, time.Now().UTC())
	f.sessions.running = map[string]session.Session{}

	_, again := f.consumer.Tick(context.Background(), "demo")
	assert.False(t, again, "no reschedule without a running session")

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, got.Status)
}

func TestTickBoundedWait(t *testing.T) {
	cfg := fastConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.MaxWait = 80 * time.Millisecond
	f := newFixture(t, cfg)
	f.channel.reply = func(string) string { return "" }
	task := addTask(t, f, "hang", 0, time.Now().UTC())

	start := time.Now()
	f.consumer.Tick(context.Background(), "demo")
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, cfg.MaxWait)
	assert.LessOrEqual(t, elapsed, cfg.MaxWait+cfg.PollInterval+100*time.Millisecond)

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Contains(t, got.Result, ErrCommandTimeout.Error())
	assert.Empty(t, f.hook.descriptions, "completion hook fired for a failed task")
}

func TestTickRecordsChannelErrors(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.channel.sendErr = errors.New("pipe gone")
	sendTask := addTask(t, f, "a", 0, time.Now().UTC())

	_, again := f.consumer.Tick(context.Background(), "demo")
	require.True(t, again, "reschedule after a failed task")
	got, err := f.store.GetTask(context.Background(), sendTask.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Contains(t, got.Result, "pipe gone")

	f.channel.sendErr = nil
	f.channel.recvErr = errors.New("log unreadable")
	recvTask := addTask(t, f, "b", 1, time.Now().UTC())
	f.consumer.Tick(context.Background(), "demo")
	got, err = f.store.GetTask(context.Background(), recvTask.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Contains(t, got.Result, "log unreadable")
}

func TestTickSkipsWhileAnotherTaskProcessing(t *testing.T) {
	f := newFixture(t, fastConfig())
	addTask(t, f, "a", 0, time.Now().UTC())
	addTask(t, f, "b", 1, time.Now().UTC())
	_, err := f.store.ClaimNext(context.Background(), "demo", time.Now())
	require.NoError(t, err)

	next, again := f.consumer.Tick(context.Background(), "demo")
	assert.True(t, again)
	assert.Equal(t, time.Hour, next)
	assert.Empty(t, f.channel.sentCommands(), "command sent while another task was processing")
}

func TestKickDrainsQueue(t *testing.T) {
	f := newFixture(t, fastConfig())
	at := time.Now().UTC()
	for i, cmd := range []string{"one", "two", "three"} {
		addTask(t, f, cmd, i, at)
	}

	f.consumer.Kick("demo")
	assert.Eventually(t, func() bool {
		n, _ := f.store.CountTasks(context.Background(), tasks.StatusCompleted)
		return n == 3
	}, 2*time.Second, 10*time.Millisecond, "queue did not drain")
}

func TestResumeKicksRunningProjects(t *testing.T) {
	f := newFixture(t, fastConfig())
	task := addTask(t, f, "resume me", 0, time.Now().UTC())

	require.NoError(t, f.consumer.Resume(context.Background()))
	assert.Eventually(t, func() bool {
		got, _ := f.store.GetTask(context.Background(), task.ID)
		return got.Status == tasks.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "resumed queue did not process the pending task")
}

type flakyStore struct {
	*store.Memory
	mu        sync.Mutex
	claimErr  error
	finishErr error
	// finishFailures counts down failed FinishTask calls before finishErr clears.
	finishFailures int
}

func (f *flakyStore) ClaimNext(ctx context.Context, projectID string, at time.Time) (tasks.Task, error) {
	f.mu.Lock()
	err := f.claimErr
	f.mu.Unlock()
	if err != nil {
		return tasks.Task{}, err
	}
	return f.Memory.ClaimNext(ctx, projectID, at)
}

func (f *flakyStore) FinishTask(ctx context.Context, taskID string, status tasks.Status, result string, at time.Time) (tasks.Task, error) {
	f.mu.Lock()
	if f.finishFailures > 0 {
		f.finishFailures--
		err := f.finishErr
		f.mu.Unlock()
		return tasks.Task{}, err
	}
	f.mu.Unlock()
	return f.Memory.FinishTask(ctx, taskID, status, result, at)
}

func (f *flakyStore) setClaimErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimErr = err
}

func TestTickBacksOffOnStoreErrors(t *testing.T) {
	cfg := fastConfig()
	cfg.ErrorBackoffMax = 4 * time.Hour
	f := newFixture(t, cfg)
	flaky := &flakyStore{Memory: f.store, claimErr: errors.New("database is locked")}
	c := New(cfg, flaky, f.sessions, f.channel, mustRegistry(t), f.hook, nil, nil)
	t.Cleanup(c.Close)

	for _, want := range []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour, 4 * time.Hour} {
		next, again := c.Tick(context.Background(), "demo")
		require.True(t, again)
		require.Equal(t, want, next)
	}

	flaky.setClaimErr(nil)
	next, _ := c.Tick(context.Background(), "demo")
	assert.Equal(t, time.Hour, next, "idle tick after recovery")

	flaky.setClaimErr(errors.New("database is locked"))
	next, _ = c.Tick(context.Background(), "demo")
	assert.Equal(t, time.Hour, next, "backoff restarts after recovery")
}

func TestTickRetriesUnrecordedResult(t *testing.T) {
	cfg := fastConfig()
	f := newFixture(t, cfg)
	flaky := &flakyStore{Memory: f.store, finishErr: errors.New("connection reset"), finishFailures: 1}
	c := New(cfg, flaky, f.sessions, f.channel, mustRegistry(t), f.hook, nil, nil)
	t.Cleanup(c.Close)

	at := time.Now().UTC()
	first := addTask(t, f, "first", 1, at)
	second := addTask(t, f, "second", 2, at)

	next, again := c.Tick(context.Background(), "demo")
	require.True(t, again)
	assert.Equal(t, time.Hour, next, "error backoff after a failed write")
	got, err := f.store.GetTask(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusProcessing, got.Status)

	next, again = c.Tick(context.Background(), "demo")
	require.True(t, again)
	assert.Equal(t, time.Millisecond, next)
	got, err = f.store.GetTask(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	assert.Equal(t, "ok: first", got.Result)
	assert.Equal(t, []string{"first"}, f.channel.sentCommands(), "retry must not resend the command")

	c.Tick(context.Background(), "demo")
	got, err = f.store.GetTask(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	assert.Equal(t, []string{"first", "second"}, f.channel.sentCommands())
	assert.Equal(t, []string{"first", "second"}, f.hook.descriptions)
}

func TestTickDropsResultOfResetTask(t *testing.T) {
	cfg := fastConfig()
	f := newFixture(t, cfg)
	flaky := &flakyStore{Memory: f.store, finishErr: errors.New("connection reset"), finishFailures: 1}
	c := New(cfg, flaky, f.sessions, f.channel, mustRegistry(t), f.hook, nil, nil)
	t.Cleanup(c.Close)

	task := addTask(t, f, "first", 0, time.Now().UTC())
	c.Tick(context.Background(), "demo")
	_, err := f.store.RequeueTask(context.Background(), task.ID)
	require.NoError(t, err)

	next, again := c.Tick(context.Background(), "demo")
	require.True(t, again)
	assert.Equal(t, time.Millisecond, next)
	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, got.Status, "a reset task is not overwritten")
}

func TestCleanResult(t *testing.T) {
	assert.Equal(t, "done � ok", cleanResult("done \xe2\x94 ok"))
	assert.Equal(t, "ab", cleanResult("a\x00b"))
	assert.Equal(t, "│ done", cleanResult("│ done"))
}

func mustRegistry(t *testing.T) *project.Registry {
	t.Helper()
	reg, err := project.NewRegistry(project.Project{ID: "demo", Path: t.TempDir()})
	require.NoError(t, err)
	return reg
}
