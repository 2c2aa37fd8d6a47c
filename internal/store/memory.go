package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/tasks"
)

// Memory is an in-process store for local/dev use and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	seq      map[string]int64
	nextSeq  int64
	tasks    map[string]*tasks.Task
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*session.Session),
		seq:      make(map[string]int64),
		tasks:    make(map[string]*tasks.Task),
	}
}

func (m *Memory) Mode() string { return "in-memory" }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateSession(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	c := s.Clone()
	if c.History == nil {
		c.History = []session.Message{}
	}
	m.sessions[s.ID] = &c
	m.nextSeq++
	m.seq[s.ID] = m.nextSeq
	return nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) LatestSession(ctx context.Context, projectID string) (session.Session, error) {
	list, err := m.ListSessions(ctx, projectID, 1)
	if err != nil {
		return session.Session{}, err
	}
	if len(list) == 0 {
		return session.Session{}, session.ErrNotFound
	}
	return list[0], nil
}

// ListSessions returns the project's sessions, newest first.
func (m *Memory) ListSessions(_ context.Context, projectID string, limit int) ([]session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Session, 0)
	for _, s := range m.sessions {
		if s.ProjectID == projectID {
			out = append(out, s.Clone())
		}
	}
	m.sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListRunningSessions(_ context.Context) ([]session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Session, 0)
	for _, s := range m.sessions {
		if s.Status == session.StatusRunning {
			out = append(out, s.Clone())
		}
	}
	m.sortNewestFirst(out)
	return out, nil
}

func (m *Memory) SaveState(_ context.Context, sessionID string, st session.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	s.Status = st.Status
	s.Handle = st.Handle
	s.Error = st.Error
	if st.StartedAt != nil {
		t := *st.StartedAt
		s.StartedAt = &t
	} else {
		s.StartedAt = nil
	}
	s.LastActivity = st.LastActivity
	return nil
}

func (m *Memory) AppendHistory(_ context.Context, sessionID string, msg session.Message, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	s.History = session.AppendHistory(s.History, msg, limit)
	s.LastActivity = msg.Timestamp
	return nil
}

func (m *Memory) AdvanceCursor(_ context.Context, sessionID string, from, to int64) (bool, error) {
	if to < from {
		return false, fmt.Errorf("cursor cannot move backwards (%d -> %d)", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, session.ErrNotFound
	}
	if s.OutputCursor != from {
		return false, nil
	}
	s.OutputCursor = to
	s.LastActivity = time.Now().UTC()
	return true, nil
}

func (m *Memory) Touch(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	s.LastActivity = at
	return nil
}

func (m *Memory) CreateTask(_ context.Context, t tasks.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	c := t.Clone()
	m.tasks[t.ID] = &c
	return nil
}

func (m *Memory) GetTask(_ context.Context, taskID string) (tasks.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return tasks.Task{}, tasks.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) ListTasks(_ context.Context, projectID string, filter tasks.ListFilter) ([]tasks.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tasks.Task, 0)
	for _, t := range m.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	tasks.SortQueue(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) ClaimNext(_ context.Context, projectID string, at time.Time) (tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []tasks.Task
	for _, t := range m.tasks {
		if t.ProjectID != projectID {
			continue
		}
		switch t.Status {
		case tasks.StatusProcessing:
			return tasks.Task{}, tasks.ErrTaskInFlight
		case tasks.StatusPending:
			pending = append(pending, *t)
		}
	}
	if len(pending) == 0 {
		return tasks.Task{}, tasks.ErrNoPendingTask
	}
	tasks.SortQueue(pending)
	t := m.tasks[pending[0].ID]
	t.Status = tasks.StatusProcessing
	t.StartedAt = &at
	return t.Clone(), nil
}

func (m *Memory) FinishTask(_ context.Context, taskID string, status tasks.Status, result string, at time.Time) (tasks.Task, error) {
	if !status.Terminal() {
		return tasks.Task{}, fmt.Errorf("%w: %q is not a terminal status", tasks.ErrInvalidTaskState, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return tasks.Task{}, tasks.ErrTaskNotFound
	}
	if t.Status != tasks.StatusProcessing {
		return tasks.Task{}, fmt.Errorf("%w: task %s is %s", tasks.ErrInvalidTaskState, taskID, t.Status)
	}
	t.Status = status
	t.Result = result
	t.CompletedAt = &at
	return t.Clone(), nil
}

func (m *Memory) RequeueTask(_ context.Context, taskID string) (tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return tasks.Task{}, tasks.ErrTaskNotFound
	}
	if t.Status != tasks.StatusProcessing {
		return tasks.Task{}, fmt.Errorf("%w: only processing tasks can be reset, task %s is %s", tasks.ErrInvalidTaskState, taskID, t.Status)
	}
	t.Status = tasks.StatusPending
	t.StartedAt = nil
	return t.Clone(), nil
}

func (m *Memory) CountTasks(_ context.Context, status tasks.Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// sortNewestFirst orders by insertion; callers hold m.mu.
func (m *Memory) sortNewestFirst(list []session.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		return m.seq[list[i].ID] > m.seq[list[j].ID]
	})
}
