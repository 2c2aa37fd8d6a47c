package project

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrNotFound             = errors.New("project not found")
	ErrDirectoryUnavailable = errors.New("project directory unavailable")
)

// CommitFrequency controls when task and session events produce a commit.
type CommitFrequency string

const (
	CommitAfterEachTask    CommitFrequency = "after_each_task"
	CommitAfterEachTodo    CommitFrequency = "after_each_todo"
	CommitAfterEachSession CommitFrequency = "after_each_session"
	CommitManual           CommitFrequency = "manual"
	CommitTimeBased        CommitFrequency = "time_based"
)

// PushFrequency controls when commits are pushed to the remote.
type PushFrequency string

const (
	PushAfterEachCommit  PushFrequency = "after_each_commit"
	PushAfterEachSession PushFrequency = "after_each_session"
	PushDaily            PushFrequency = "daily"
	PushManual           PushFrequency = "manual"
)

type GitSettings struct {
	Enabled               bool            `yaml:"enabled" json:"enabled"`
	RemoteURL             string          `yaml:"remote_url" json:"remote_url,omitempty"`
	Branch                string          `yaml:"branch" json:"branch,omitempty"`
	Username              string          `yaml:"username" json:"username,omitempty"`
	Email                 string          `yaml:"email" json:"email,omitempty"`
	CommitFrequency       CommitFrequency `yaml:"commit_frequency" json:"commit_frequency"`
	CommitMessageTemplate string          `yaml:"commit_message_template" json:"commit_message_template,omitempty"`
	// CommitTimeInterval is in minutes and only used by time_based.
	CommitTimeInterval int           `yaml:"commit_time_interval" json:"commit_time_interval,omitempty"`
	AutoPush           bool          `yaml:"auto_push" json:"auto_push"`
	PushFrequency      PushFrequency `yaml:"push_frequency" json:"push_frequency"`
	PushForce          bool          `yaml:"push_force" json:"push_force"`
}

// CommitInterval is the period of time_based commits, zero otherwise.
func (g GitSettings) CommitInterval() time.Duration {
	if g.CommitFrequency != CommitTimeBased || g.CommitTimeInterval <= 0 {
		return 0
	}
	return time.Duration(g.CommitTimeInterval) * time.Minute
}

// Project is the read-only configuration record a session is bound to.
type Project struct {
	ID               string      `yaml:"id" json:"id"`
	Name             string      `yaml:"name" json:"name"`
	Path             string      `yaml:"path" json:"path"`
	AssistantCommand string      `yaml:"assistant_command" json:"assistant_command,omitempty"`
	Git              GitSettings `yaml:"git" json:"git"`
}

func (p *Project) normalize() error {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.Path = strings.TrimSpace(p.Path)
	p.AssistantCommand = strings.TrimSpace(p.AssistantCommand)
	if p.ID == "" {
		return errors.New("project id is required")
	}
	if strings.ContainsAny(p.ID, " \t\n:._/") {
		return fmt.Errorf("project id %q must not contain whitespace, ':', '.', '_' or '/'", p.ID)
	}
	if p.Path == "" {
		return fmt.Errorf("project %q: path is required", p.ID)
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	switch p.Git.CommitFrequency {
	case "":
		p.Git.CommitFrequency = CommitAfterEachTask
	case CommitAfterEachTask, CommitAfterEachTodo, CommitAfterEachSession, CommitManual, CommitTimeBased:
	default:
		return fmt.Errorf("project %q: unknown commit_frequency %q", p.ID, p.Git.CommitFrequency)
	}
	if p.Git.CommitTimeInterval < 0 {
		return fmt.Errorf("project %q: commit_time_interval must not be negative", p.ID)
	}
	if p.Git.CommitFrequency == CommitTimeBased && p.Git.CommitTimeInterval == 0 {
		return fmt.Errorf("project %q: time_based commits need commit_time_interval (minutes)", p.ID)
	}
	switch p.Git.PushFrequency {
	case "":
		p.Git.PushFrequency = PushAfterEachSession
	case PushAfterEachCommit, PushAfterEachSession, PushDaily, PushManual:
	default:
		return fmt.Errorf("project %q: unknown push_frequency %q", p.ID, p.Git.PushFrequency)
	}
	return nil
}

// CheckDirectory verifies the project's working directory exists and is
// readable, writable and searchable by this process.
func CheckDirectory(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrDirectoryUnavailable)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirectoryUnavailable, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirectoryUnavailable, path)
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirectoryUnavailable, path, err)
	}
	return nil
}
