package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/foreman/internal/project"
)

// Adapter spawns and supervises the external process behind a session.
type Adapter interface {
	Spawn(ctx context.Context, p project.Project, sessionID string) (string, error)
	Terminate(ctx context.Context, handle string) error
	IsAlive(ctx context.Context, handle string) bool
}

// Projects resolves project records by id.
type Projects interface {
	Get(id string) (project.Project, error)
}

// EndHook is notified after a session has been stopped.
type EndHook interface {
	OnSessionEnded(ctx context.Context, p project.Project)
}

// Manager owns the session lifecycle. Start and Stop are serialized per
// project; at most one session per project is left running.
type Manager struct {
	store    Store
	adapter  Adapter
	projects Projects
	logger   *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	endHook EndHook
	onEvent func(event string, s Session)
	now     func() time.Time
}

func NewManager(store Store, adapter Adapter, projects Projects, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:    store,
		adapter:  adapter,
		projects: projects,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetEndHook(hook EndHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endHook = hook
}

// SetEventHook registers a callback receiving lifecycle event names
// (started, stopped, spawn_failed, reconciled) with the affected session.
func (m *Manager) SetEventHook(hook func(event string, s Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = hook
}

// Start stops any running session for the project, then spawns a new one.
// On spawn failure the new session is left in StatusError and the error is returned.
// The end hook for replaced sessions runs after the project lock is released.
func (m *Manager) Start(ctx context.Context, projectID string) (Session, error) {
	p, err := m.projects.Get(projectID)
	if err != nil {
		return Session{}, err
	}
	s, ended, err := m.startLocked(ctx, p)
	for i := 0; i < ended; i++ {
		m.sessionEnded(ctx, p)
	}
	return s, err
}

func (m *Manager) startLocked(ctx context.Context, p project.Project) (Session, int, error) {
	unlock := m.lockProject(p.ID)
	defer unlock()

	existing, err := m.store.ListSessions(ctx, p.ID, 0)
	if err != nil {
		return Session{}, 0, fmt.Errorf("list sessions: %w", err)
	}
	ended := 0
	for _, s := range existing {
		if s.Status != StatusRunning {
			continue
		}
		if _, err := m.stopLocked(ctx, p, s); err != nil {
			return Session{}, ended, fmt.Errorf("stop previous session %s: %w", s.ID, err)
		}
		ended++
	}

	now := m.now()
	s := Session{
		ID:           uuid.NewString(),
		ProjectID:    p.ID,
		Status:       StatusIdle,
		History:      []Message{},
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return Session{}, ended, fmt.Errorf("create session: %w", err)
	}

	handle, spawnErr := m.adapter.Spawn(ctx, p, s.ID)
	if spawnErr != nil {
		s.Status = StatusError
		s.Error = spawnErr.Error()
		s.LastActivity = m.now()
		if err := m.store.SaveState(ctx, s.ID, stateOf(s)); err != nil {
			m.logger.Error("record spawn failure", "session_id", s.ID, "err", err)
		}
		m.emit("spawn_failed", s)
		m.logger.Error("session spawn failed", "project_id", p.ID, "session_id", s.ID, "err", spawnErr)
		return s, ended, spawnErr
	}

	started := m.now()
	s.Status = StatusRunning
	s.Handle = handle
	s.StartedAt = &started
	s.LastActivity = started
	if err := m.store.SaveState(ctx, s.ID, stateOf(s)); err != nil {
		_ = m.adapter.Terminate(ctx, handle)
		return Session{}, ended, fmt.Errorf("record running session: %w", err)
	}
	m.emit("started", s)
	m.logger.Info("session started", "project_id", p.ID, "session_id", s.ID, "handle", handle)
	return s, ended, nil
}

// Stop terminates the session's process and marks it stopped. Stopping an
// already stopped session is a no-op and does not re-fire the end hook.
func (m *Manager) Stop(ctx context.Context, sessionID string) (Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	p, err := m.projects.Get(s.ProjectID)
	if err != nil {
		return Session{}, err
	}

	s, ended, err := m.stopUnderLock(ctx, p, sessionID)
	if err != nil {
		return Session{}, err
	}
	if ended {
		m.sessionEnded(ctx, p)
	}
	return s, nil
}

func (m *Manager) stopUnderLock(ctx context.Context, p project.Project, sessionID string) (Session, bool, error) {
	unlock := m.lockProject(p.ID)
	defer unlock()

	// Re-read under the project lock; a concurrent Start may have stopped it.
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}
	if s.Status == StatusStopped {
		return s, false, nil
	}
	s, err = m.stopLocked(ctx, p, s)
	return s, err == nil, err
}

// stopLocked terminates and records the session. The caller holds the
// project lock and fires the end hook once it is released.
func (m *Manager) stopLocked(ctx context.Context, p project.Project, s Session) (Session, error) {
	if s.Handle != "" {
		if err := m.adapter.Terminate(ctx, s.Handle); err != nil {
			m.logger.Warn("terminate session process", "session_id", s.ID, "handle", s.Handle, "err", err)
		}
	}

	s.Status = StatusStopped
	s.Handle = ""
	s.LastActivity = m.now()
	if err := m.store.SaveState(ctx, s.ID, stateOf(s)); err != nil {
		return Session{}, fmt.Errorf("record stopped session: %w", err)
	}
	m.emit("stopped", s)
	m.logger.Info("session stopped", "project_id", p.ID, "session_id", s.ID)
	return s, nil
}

func (m *Manager) sessionEnded(ctx context.Context, p project.Project) {
	m.mu.Lock()
	hook := m.endHook
	m.mu.Unlock()
	if hook != nil {
		hook.OnSessionEnded(ctx, p)
	}
}

// IsRunning reports whether the session's process is alive. A session whose
// record says running but whose process is gone is flipped to stopped.
// Lookup failures count as not running.
func (m *Manager) IsRunning(ctx context.Context, sessionID string) bool {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Debug("liveness lookup failed", "session_id", sessionID, "err", err)
		return false
	}

	alive := s.Handle != "" && m.adapter.IsAlive(ctx, s.Handle)
	if alive || s.Status != StatusRunning {
		return alive && s.Status == StatusRunning
	}

	unlock := m.lockProject(s.ProjectID)
	defer unlock()
	s, err = m.store.GetSession(ctx, sessionID)
	if err != nil || s.Status != StatusRunning {
		return false
	}
	s.Status = StatusStopped
	s.Handle = ""
	s.LastActivity = m.now()
	if err := m.store.SaveState(ctx, s.ID, stateOf(s)); err != nil {
		m.logger.Warn("reconcile dead session", "session_id", s.ID, "err", err)
		return false
	}
	m.emit("reconciled", s)
	m.logger.Info("session process gone, marked stopped", "project_id", s.ProjectID, "session_id", s.ID)
	return false
}

// Current returns the most recently created session for the project.
func (m *Manager) Current(ctx context.Context, projectID string) (Session, error) {
	return m.store.LatestSession(ctx, projectID)
}

func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

func (m *Manager) List(ctx context.Context, projectID string, limit int) ([]Session, error) {
	return m.store.ListSessions(ctx, projectID, limit)
}

// Running lists sessions whose record says running, across all projects.
func (m *Manager) Running(ctx context.Context) ([]Session, error) {
	return m.store.ListRunningSessions(ctx)
}

// CurrentRunning returns the project's current session when it is alive.
func (m *Manager) CurrentRunning(ctx context.Context, projectID string) (Session, bool) {
	s, err := m.Current(ctx, projectID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("current session lookup", "project_id", projectID, "err", err)
		}
		return Session{}, false
	}
	if !m.IsRunning(ctx, s.ID) {
		return s, false
	}
	return s, true
}

func (m *Manager) lockProject(projectID string) func() {
	m.mu.Lock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) emit(event string, s Session) {
	m.mu.Lock()
	hook := m.onEvent
	m.mu.Unlock()
	if hook != nil {
		hook(event, s.Clone())
	}
}

func stateOf(s Session) State {
	return State{
		Status:       s.Status,
		Handle:       s.Handle,
		Error:        s.Error,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
	}
}
