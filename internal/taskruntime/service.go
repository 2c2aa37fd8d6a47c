package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/foreman/internal/jobs"
	"github.com/ent0n29/foreman/internal/observability"
	"github.com/ent0n29/foreman/internal/project"
	"github.com/ent0n29/foreman/internal/reliability"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/tasks"
)

var ErrCommandTimeout = errors.New("command timed out")

type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	IdleDelay    time.Duration
	BusyDelay    time.Duration
	// ErrorBackoffMax caps the delay after consecutive store failures; the
	// delay starts at IdleDelay and doubles per failure.
	ErrorBackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 10 * time.Second
	}
	if c.BusyDelay <= 0 {
		c.BusyDelay = 2 * time.Second
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = 5 * time.Minute
	}
	return c
}

// Sessions answers liveness questions about a project's current session.
type Sessions interface {
	CurrentRunning(ctx context.Context, projectID string) (session.Session, bool)
	Running(ctx context.Context) ([]session.Session, error)
}

// Channel submits commands to a session and harvests its output.
type Channel interface {
	Send(ctx context.Context, sessionID, command string) error
	Receive(ctx context.Context, sessionID string) (string, bool, error)
	Record(ctx context.Context, sessionID, output string) error
}

type Projects interface {
	Get(id string) (project.Project, error)
}

// CompletionHook is told about every task that completes.
type CompletionHook interface {
	OnTaskCompleted(ctx context.Context, p project.Project, description string)
}

// Consumer drains each project's task queue one task at a time while the
// project's session is running. Every tick reschedules itself through a
// keyed job queue, so ticks of one project never overlap.
type Consumer struct {
	cfg      Config
	store    tasks.Store
	sessions Sessions
	channel  Channel
	projects Projects
	hook     CompletionHook
	metrics  *observability.Metrics
	logger   *slog.Logger
	queue    *jobs.Queue
	failures reliability.Streak
	now      func() time.Time

	mu         sync.Mutex
	unfinished map[string]outcome
}

// outcome is an executed task whose result has not been stored yet.
type outcome struct {
	task      tasks.Task
	sessionID string
	status    tasks.Status
	result    string
	at        time.Time
}

func New(cfg Config, store tasks.Store, sessions Sessions, channel Channel, projects Projects, hook CompletionHook, metrics *observability.Metrics, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Consumer{
		cfg:      cfg.withDefaults(),
		store:    store,
		sessions: sessions,
		channel:  channel,
		projects: projects,
		hook:     hook,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },

		unfinished: make(map[string]outcome),
	}
	c.queue = jobs.New(c.Tick, logger)
	return c
}

func (c *Consumer) Config() Config {
	return c.cfg
}

// Kick schedules an immediate tick for the project.
func (c *Consumer) Kick(projectID string) {
	c.queue.Schedule(projectID, 0)
}

// Resume kicks every project whose session is recorded as running, so
// queues survive a process restart.
func (c *Consumer) Resume(ctx context.Context) error {
	running, err := c.sessions.Running(ctx)
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}
	seen := make(map[string]struct{}, len(running))
	for _, s := range running {
		if _, ok := seen[s.ProjectID]; ok {
			continue
		}
		seen[s.ProjectID] = struct{}{}
		c.Kick(s.ProjectID)
	}
	c.logger.Info("task queues resumed", "projects", len(seen))
	return nil
}

// Scheduled reports whether a tick is pending or running for the project.
func (c *Consumer) Scheduled(projectID string) bool {
	return c.queue.Scheduled(projectID)
}

func (c *Consumer) Close() {
	c.queue.Close()
}

// Tick processes at most one task and returns when the next tick should run.
// again is false when the project's session is not running; a session start
// or new task kicks the queue again. A result the store failed to record is
// retried before anything new is claimed.
func (c *Consumer) Tick(ctx context.Context, projectID string) (next time.Duration, again bool) {
	if o, ok := c.takeUnfinished(projectID); ok {
		return c.finish(ctx, projectID, o)
	}

	s, ok := c.sessions.CurrentRunning(ctx, projectID)
	if !ok {
		c.metrics.ObserveQueueTick("not_running")
		return 0, false
	}

	task, err := c.store.ClaimNext(ctx, projectID, c.now())
	switch {
	case errors.Is(err, tasks.ErrNoPendingTask):
		c.failures.Reset(projectID)
		c.metrics.ObserveQueueTick("idle")
		return c.cfg.IdleDelay, true
	case errors.Is(err, tasks.ErrTaskInFlight):
		c.failures.Reset(projectID)
		c.metrics.ObserveQueueTick("in_flight")
		return c.cfg.IdleDelay, true
	case err != nil:
		c.metrics.ObserveQueueTick("error")
		delay := c.errorDelay(projectID)
		c.logger.Error("claim next task", "project_id", projectID, "retry_in", delay, "err", err)
		return delay, true
	}
	c.failures.Reset(projectID)
	c.metrics.ObserveTaskEvent("claimed")
	c.logger.Info("task claimed", "project_id", projectID, "task_id", task.ID, "session_id", s.ID)

	status, result := c.execute(ctx, s.ID, task)
	if ctx.Err() != nil {
		// Shutting down; the task stays processing until reset.
		c.logger.Warn("task abandoned on shutdown", "project_id", projectID, "task_id", task.ID)
		return 0, false
	}
	return c.finish(ctx, projectID, outcome{
		task:      task,
		sessionID: s.ID,
		status:    status,
		result:    cleanResult(result),
		at:        c.now(),
	})
}

// finish stores the outcome. On a store failure the outcome is kept for the
// next tick, which retries it after the error backoff.
func (c *Consumer) finish(ctx context.Context, projectID string, o outcome) (time.Duration, bool) {
	finished, err := c.store.FinishTask(ctx, o.task.ID, o.status, o.result, o.at)
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound), errors.Is(err, tasks.ErrInvalidTaskState):
		// Deleted or reset behind our back; nothing left to record.
		c.failures.Reset(projectID)
		c.logger.Warn("task result dropped", "project_id", projectID, "task_id", o.task.ID, "err", err)
		c.metrics.ObserveQueueTick("error")
		return c.cfg.BusyDelay, true
	case err != nil:
		c.keepUnfinished(projectID, o)
		delay := c.errorDelay(projectID)
		c.logger.Error("record task result", "task_id", o.task.ID, "retry_in", delay, "err", err)
		c.metrics.ObserveQueueTick("error")
		return delay, true
	}
	c.failures.Reset(projectID)
	c.metrics.ObserveTaskEvent(string(finished.Status))
	if finished.StartedAt != nil && finished.CompletedAt != nil {
		c.metrics.ObserveTaskDuration(finished.CompletedAt.Sub(*finished.StartedAt))
	}
	c.metrics.ObserveQueueTick("processed")

	if finished.Status == tasks.StatusCompleted {
		c.logger.Info("task completed", "project_id", projectID, "task_id", finished.ID)
		if err := c.channel.Record(ctx, o.sessionID, o.result); err != nil {
			c.logger.Warn("record assistant output", "session_id", o.sessionID, "err", err)
		}
		c.notifyCompleted(ctx, projectID, finished)
	} else {
		c.logger.Warn("task failed", "project_id", projectID, "task_id", finished.ID, "result", o.result)
	}
	return c.cfg.BusyDelay, true
}

func (c *Consumer) takeUnfinished(projectID string) (outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.unfinished[projectID]
	delete(c.unfinished, projectID)
	return o, ok
}

func (c *Consumer) keepUnfinished(projectID string, o outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unfinished[projectID] = o
}

// cleanResult makes assistant output storable as text: invalid UTF-8 is
// replaced and NUL bytes are dropped.
func cleanResult(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// execute sends the command and polls for output for at most MaxWait.
func (c *Consumer) execute(ctx context.Context, sessionID string, task tasks.Task) (tasks.Status, string) {
	if err := c.channel.Send(ctx, sessionID, task.Command); err != nil {
		return tasks.StatusFailed, fmt.Sprintf("send command: %v", err)
	}

	start := time.Now()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return tasks.StatusFailed, ctx.Err().Error()
		case <-ticker.C:
		}

		out, ok, err := c.channel.Receive(ctx, sessionID)
		if err != nil {
			return tasks.StatusFailed, fmt.Sprintf("receive output: %v", err)
		}
		if ok {
			return tasks.StatusCompleted, out
		}
		if time.Since(start) >= c.cfg.MaxWait {
			return tasks.StatusFailed, fmt.Sprintf("%v: no output within %s", ErrCommandTimeout, c.cfg.MaxWait)
		}
	}
}

// errorDelay backs off exponentially while the store keeps failing for the project.
func (c *Consumer) errorDelay(projectID string) time.Duration {
	n := c.failures.Fail(projectID)
	return reliability.ExponentialBackoff(n-1, c.cfg.IdleDelay, c.cfg.ErrorBackoffMax)
}

func (c *Consumer) notifyCompleted(ctx context.Context, projectID string, t tasks.Task) {
	if c.hook == nil {
		return
	}
	p, err := c.projects.Get(projectID)
	if err != nil {
		c.logger.Warn("completion hook skipped", "project_id", projectID, "err", err)
		return
	}
	c.hook.OnTaskCompleted(ctx, p, t.Label())
}
