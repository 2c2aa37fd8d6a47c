// Package automation decides, from a project's git policy, when task and
// session events turn into commits and pushes. It is the only caller of Git.
package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/ent0n29/foreman/internal/project"
)

// Hooks receives lifecycle events from the session manager and queue consumer.
type Hooks interface {
	OnTaskCompleted(ctx context.Context, p project.Project, description string)
	OnSessionEnded(ctx context.Context, p project.Project)
}

// Git is the version-control collaborator.
type Git interface {
	Commit(ctx context.Context, p project.Project, message string) error
	Push(ctx context.Context, p project.Project) error
}

// PolicyTrigger applies each project's commit and push frequencies. Git
// failures are logged and never returned to the caller.
type PolicyTrigger struct {
	git    Git
	logger *slog.Logger
	now    func() time.Time
}

var _ Hooks = (*PolicyTrigger)(nil)

func NewPolicyTrigger(git Git, logger *slog.Logger) *PolicyTrigger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PolicyTrigger{git: git, logger: logger, now: time.Now}
}

func (t *PolicyTrigger) OnTaskCompleted(ctx context.Context, p project.Project, description string) {
	if !p.Git.Enabled {
		return
	}
	switch p.Git.CommitFrequency {
	case project.CommitAfterEachTask:
		t.commit(ctx, p, description)
	case project.CommitAfterEachTodo:
		t.commit(ctx, p, "Completed TODO: "+description)
	}
}

func (t *PolicyTrigger) OnSessionEnded(ctx context.Context, p project.Project) {
	if !p.Git.Enabled {
		return
	}
	if p.Git.CommitFrequency == project.CommitAfterEachSession {
		t.commit(ctx, p, "Session ended - "+t.now().Format("2006-01-02 15:04:05"))
	}
	if p.Git.AutoPush && p.Git.PushFrequency == project.PushAfterEachSession {
		t.push(ctx, p)
	}
}

func (t *PolicyTrigger) commit(ctx context.Context, p project.Project, message string) {
	if err := t.git.Commit(ctx, p, message); err != nil {
		t.logger.Error("automatic commit failed", "project_id", p.ID, "err", err)
		return
	}
	if p.Git.AutoPush && p.Git.PushFrequency == project.PushAfterEachCommit {
		t.push(ctx, p)
	}
}

func (t *PolicyTrigger) push(ctx context.Context, p project.Project) {
	if err := t.git.Push(ctx, p); err != nil {
		t.logger.Error("automatic push failed", "project_id", p.ID, "err", err)
	}
}
