package tasks

import (
	"sort"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

const (
	MinPriority = 0
	MaxPriority = 10
)

type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Command     string     `json:"command"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	SortOrder   int        `json:"sort_order"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t Task) Clone() Task {
	out := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

// Label is the human-readable text used for commit messages and logs.
func (t Task) Label() string {
	if t.Description != "" {
		return t.Description
	}
	return t.Command
}

type CreateRequest struct {
	ProjectID   string `json:"project_id"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

type ListFilter struct {
	Status Status
	Limit  int
}

// Less reports whether a is picked before b: sort_order ascending, then
// priority descending, then created_at ascending.
func Less(a, b Task) bool {
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortQueue orders tasks in pick order.
func SortQueue(list []Task) {
	sort.SliceStable(list, func(i, j int) bool { return Less(list[i], list[j]) })
}
