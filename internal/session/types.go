package session

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryLimit caps conversation history; the oldest entries are evicted first.
const HistoryLimit = 100

var ErrNotFound = errors.New("session not found")

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Session struct {
	ID           string     `json:"session_id"`
	ProjectID    string     `json:"project_id"`
	Status       Status     `json:"status"`
	Handle       string     `json:"external_handle,omitempty"`
	Error        string     `json:"error,omitempty"`
	History      []Message  `json:"conversation_history"`
	OutputCursor int64      `json:"output_cursor"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

func (s Session) Running() bool {
	return s.Status == StatusRunning
}

func (s Session) Clone() Session {
	out := s
	if s.History != nil {
		out.History = make([]Message, len(s.History))
		copy(out.History, s.History)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	return out
}

// State is the lifecycle slice of a Session written by the state machine.
// History and cursor are updated through their own store operations so a
// lifecycle write never clobbers concurrently consumed output.
type State struct {
	Status       Status
	Handle       string
	Error        string
	StartedAt    *time.Time
	LastActivity time.Time
}

// AppendHistory appends msg and trims the result to the most recent limit entries.
func AppendHistory(history []Message, msg Message, limit int) []Message {
	if limit <= 0 {
		limit = HistoryLimit
	}
	out := append(history, msg)
	if len(out) > limit {
		trimmed := make([]Message, limit)
		copy(trimmed, out[len(out)-limit:])
		out = trimmed
	}
	return out
}

// Store persists sessions. Implementations must apply AdvanceCursor as a
// compare-and-swap so the cursor never moves backwards or skips bytes.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	LatestSession(ctx context.Context, projectID string) (Session, error)
	ListSessions(ctx context.Context, projectID string, limit int) ([]Session, error)
	ListRunningSessions(ctx context.Context) ([]Session, error)
	SaveState(ctx context.Context, sessionID string, st State) error
	AppendHistory(ctx context.Context, sessionID string, msg Message, limit int) error
	AdvanceCursor(ctx context.Context, sessionID string, from, to int64) (bool, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
}

// StartResponse is returned by the API when a session is started.
type StartResponse struct {
	Session   Session `json:"session"`
	IsRunning bool    `json:"is_running"`
}
