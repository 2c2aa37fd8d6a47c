package automation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/foreman/internal/project"
)

type fakeGit struct {
	commits   []string
	pushes    int
	commitErr error
}

func (f *fakeGit) Commit(_ context.Context, _ project.Project, message string) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, message)
	return nil
}

func (f *fakeGit) Push(context.Context, project.Project) error {
	f.pushes++
	return nil
}

func gitProject(commit project.CommitFrequency, autoPush bool, push project.PushFrequency) project.Project {
	return project.Project{
		ID: "demo",
		Git: project.GitSettings{
			Enabled:         true,
			CommitFrequency: commit,
			AutoPush:        autoPush,
			PushFrequency:   push,
		},
	}
}

func TestOnTaskCompletedPolicy(t *testing.T) {
	cases := []struct {
		name    string
		p       project.Project
		commits []string
		pushes  int
	}{
		{"after each task", gitProject(project.CommitAfterEachTask, false, project.PushManual), []string{"fix bug"}, 0},
		{"after each todo", gitProject(project.CommitAfterEachTodo, false, project.PushManual), []string{"Completed TODO: fix bug"}, 0},
		{"after each session ignores tasks", gitProject(project.CommitAfterEachSession, true, project.PushAfterEachCommit), nil, 0},
		{"manual", gitProject(project.CommitManual, true, project.PushAfterEachCommit), nil, 0},
		{"push after commit", gitProject(project.CommitAfterEachTask, true, project.PushAfterEachCommit), []string{"fix bug"}, 1},
		{"auto push off", gitProject(project.CommitAfterEachTask, false, project.PushAfterEachCommit), []string{"fix bug"}, 0},
		{"git disabled", project.Project{ID: "demo", Git: project.GitSettings{CommitFrequency: project.CommitAfterEachTask}}, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			git := &fakeGit{}
			NewPolicyTrigger(git, nil).OnTaskCompleted(context.Background(), tc.p, "fix bug")
			assert.Equal(t, tc.commits, git.commits)
			assert.Equal(t, tc.pushes, git.pushes)
		})
	}
}

func TestOnSessionEndedPolicy(t *testing.T) {
	at := time.Date(2025, 8, 3, 10, 0, 0, 0, time.UTC)

	git := &fakeGit{}
	trigger := NewPolicyTrigger(git, nil)
	trigger.now = func() time.Time { return at }
	trigger.OnSessionEnded(context.Background(), gitProject(project.CommitAfterEachSession, true, project.PushAfterEachSession))
	assert.Equal(t, []string{"Session ended - 2025-08-03 10:00:00"}, git.commits)
	assert.Equal(t, 1, git.pushes)

	git = &fakeGit{}
	NewPolicyTrigger(git, nil).OnSessionEnded(context.Background(), gitProject(project.CommitAfterEachTask, true, project.PushAfterEachSession))
	assert.Empty(t, git.commits)
	assert.Equal(t, 1, git.pushes, "push policy is independent of commit policy")

	git = &fakeGit{}
	NewPolicyTrigger(git, nil).OnSessionEnded(context.Background(), gitProject(project.CommitAfterEachSession, true, project.PushAfterEachCommit))
	assert.Len(t, git.commits, 1)
	assert.Equal(t, 1, git.pushes, "commit-triggered push")
}

func TestCommitFailureIsSwallowed(t *testing.T) {
	git := &fakeGit{commitErr: errors.New("index.lock exists")}
	trigger := NewPolicyTrigger(git, nil)
	trigger.OnTaskCompleted(context.Background(), gitProject(project.CommitAfterEachTask, true, project.PushAfterEachCommit), "x")
	assert.Zero(t, git.pushes, "no push after a failed commit")
	assert.False(t, strings.Contains(strings.Join(git.commits, ""), "x"))
}

func scheduleRegistry(t *testing.T, projects ...project.Project) *project.Registry {
	t.Helper()
	reg, err := project.NewRegistry(projects...)
	require.NoError(t, err)
	return reg
}

func TestScheduleArmsClockDrivenPolicies(t *testing.T) {
	timed := gitProject(project.CommitTimeBased, false, project.PushManual)
	timed.ID, timed.Path, timed.Git.CommitTimeInterval = "timed", "/srv/timed", 30
	daily := gitProject(project.CommitManual, true, project.PushDaily)
	daily.ID, daily.Path = "daily", "/srv/daily"
	plain := gitProject(project.CommitAfterEachTask, true, project.PushAfterEachCommit)
	plain.ID, plain.Path = "plain", "/srv/plain"
	off := gitProject(project.CommitTimeBased, false, project.PushManual)
	off.ID, off.Path, off.Git.Enabled, off.Git.CommitTimeInterval = "off", "/srv/off", false, 5

	s := NewSchedule(NewPolicyTrigger(&fakeGit{}, nil), scheduleRegistry(t, timed, daily, plain, off))
	t.Cleanup(s.Close)

	assert.Equal(t, 2, s.Start())
	assert.True(t, s.Scheduled("commit", "timed"))
	assert.True(t, s.Scheduled("push", "daily"))
	assert.False(t, s.Scheduled("commit", "plain"))
	assert.False(t, s.Scheduled("commit", "off"), "git disabled")
}

func TestScheduleTimedCommit(t *testing.T) {
	at := time.Date(2025, 8, 3, 10, 0, 0, 0, time.UTC)
	timed := gitProject(project.CommitTimeBased, true, project.PushAfterEachCommit)
	timed.ID, timed.Path, timed.Git.CommitTimeInterval = "timed", "/srv/timed", 30

	git := &fakeGit{}
	trigger := NewPolicyTrigger(git, nil)
	trigger.now = func() time.Time { return at }
	s := NewSchedule(trigger, scheduleRegistry(t, timed))
	t.Cleanup(s.Close)

	next, again := s.run(context.Background(), "commit/timed")
	assert.True(t, again)
	assert.Equal(t, 30*time.Minute, next)
	assert.Equal(t, []string{"Auto-commit at 2025-08-03 10:00:00"}, git.commits)
	assert.Equal(t, 1, git.pushes, "push after each commit still applies")

	git.commitErr = errors.New("index.lock exists")
	next, again = s.run(context.Background(), "commit/timed")
	assert.True(t, again, "a failed commit keeps the schedule")
	assert.Equal(t, 30*time.Minute, next)

	_, again = s.run(context.Background(), "commit/missing")
	assert.False(t, again)
}

func TestScheduleDailyPush(t *testing.T) {
	daily := gitProject(project.CommitManual, true, project.PushDaily)
	daily.ID, daily.Path = "daily", "/srv/daily"

	git := &fakeGit{}
	s := NewSchedule(NewPolicyTrigger(git, nil), scheduleRegistry(t, daily))
	t.Cleanup(s.Close)

	next, again := s.run(context.Background(), "push/daily")
	assert.True(t, again)
	assert.Equal(t, 24*time.Hour, next)
	assert.Equal(t, 1, git.pushes)
	assert.Empty(t, git.commits)
}
