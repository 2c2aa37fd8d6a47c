package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultPriority = 5

// Manager validates task requests and fronts the task store for callers
// outside the queue consumer.
type Manager struct {
	store    Store
	onCreate func(Task)
	now      func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetCreateHook registers a callback run after a task is stored.
func (m *Manager) SetCreateHook(hook func(Task)) {
	m.onCreate = hook
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (Task, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Command = strings.TrimSpace(req.Command)
	req.Description = strings.TrimSpace(req.Description)
	if req.ProjectID == "" {
		return Task{}, fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if req.Command == "" {
		return Task{}, fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	priority := defaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < MinPriority || priority > MaxPriority {
		return Task{}, fmt.Errorf("%w: priority must be between %d and %d", ErrInvalidRequest, MinPriority, MaxPriority)
	}

	t := Task{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Command:     req.Command,
		Description: req.Description,
		Status:      StatusPending,
		Priority:    priority,
		SortOrder:   req.SortOrder,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	if m.onCreate != nil {
		m.onCreate(t.Clone())
	}
	return t, nil
}

func (m *Manager) Get(ctx context.Context, taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, fmt.Errorf("%w: task_id is required", ErrInvalidRequest)
	}
	return m.store.GetTask(ctx, taskID)
}

func (m *Manager) List(ctx context.Context, projectID string, filter ListFilter) ([]Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown task status %q", ErrInvalidRequest, filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return m.store.ListTasks(ctx, projectID, filter)
}

// Reset returns a stale processing task to pending. Callers must ensure the
// project's session is not running; the queue would otherwise race it.
func (m *Manager) Reset(ctx context.Context, taskID string) (Task, error) {
	return m.store.RequeueTask(ctx, taskID)
}
