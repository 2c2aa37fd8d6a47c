package tasks

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
	ErrNoPendingTask    = errors.New("no pending task")
	ErrTaskInFlight     = errors.New("another task is processing")
	ErrInvalidRequest   = errors.New("invalid task request")
)

// Store persists tasks. ClaimNext must atomically pick the first pending task
// in queue order and mark it processing, and must refuse with ErrTaskInFlight
// while another task of the same project is processing.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context, projectID string, filter ListFilter) ([]Task, error)
	ClaimNext(ctx context.Context, projectID string, at time.Time) (Task, error)
	FinishTask(ctx context.Context, taskID string, status Status, result string, at time.Time) (Task, error)
	RequeueTask(ctx context.Context, taskID string) (Task, error)
	CountTasks(ctx context.Context, status Status) (int, error)
}
