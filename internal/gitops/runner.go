package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/ent0n29/foreman/internal/project"
)

var (
	ErrGitDisabled = errors.New("git automation disabled for project")
	ErrNoRemote    = errors.New("project has no git remote configured")
)

const (
	defaultTimeout   = 2 * time.Minute
	defaultType      = "feat"
	timestampLayout  = "2006-01-02 15:04:05"
	nothingToCommit  = "nothing to commit"
	nothingAddedHint = "nothing added to commit"
)

// Runner shells out to the git binary in the project's working directory.
type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewRunner(timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{timeout: timeout, logger: logger, now: time.Now}
}

// Init makes the project directory a repository when it is not inside one
// yet: git init, user identity, origin and the configured branch.
func (r *Runner) Init(ctx context.Context, p project.Project) error {
	if !p.Git.Enabled {
		return ErrGitDisabled
	}
	if _, err := r.git(ctx, p.Path, "rev-parse", "--is-inside-work-tree"); err == nil {
		return nil
	}
	if _, err := r.git(ctx, p.Path, "init"); err != nil {
		return err
	}
	if err := r.configureUser(ctx, p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Git.RemoteURL) != "" {
		if err := r.ensureRemote(ctx, p); err != nil {
			return err
		}
	}
	if branch := strings.TrimSpace(p.Git.Branch); branch != "" && branch != "main" && branch != "master" {
		if _, err := r.git(ctx, p.Path, "checkout", "-b", branch); err != nil {
			return err
		}
	}
	r.logger.Info("repository initialized", "project_id", p.ID, "path", p.Path)
	return nil
}

// Commit stages every change and commits it with the project's message
// template applied. A clean tree counts as success. A directory that is not
// a repository yet is initialized first.
func (r *Runner) Commit(ctx context.Context, p project.Project, message string) error {
	if !p.Git.Enabled {
		return ErrGitDisabled
	}
	if err := r.Init(ctx, p); err != nil {
		return err
	}
	if err := r.configureUser(ctx, p); err != nil {
		return err
	}
	if _, err := r.git(ctx, p.Path, "add", "-A"); err != nil {
		return err
	}

	formatted := FormatMessage(p.Git.CommitMessageTemplate, message, r.now())
	out, err := r.git(ctx, p.Path, "commit", "-m", formatted)
	if err != nil {
		if strings.Contains(out, nothingToCommit) || strings.Contains(out, nothingAddedHint) {
			r.logger.Info("nothing to commit", "project_id", p.ID)
			return nil
		}
		return err
	}
	r.logger.Info("commit created", "project_id", p.ID, "message", formatted)
	return nil
}

// Push pushes the configured branch (HEAD when unset) to origin.
func (r *Runner) Push(ctx context.Context, p project.Project) error {
	if !p.Git.Enabled {
		return ErrGitDisabled
	}
	if strings.TrimSpace(p.Git.RemoteURL) == "" {
		return ErrNoRemote
	}
	if err := r.ensureRemote(ctx, p); err != nil {
		return err
	}
	branch := strings.TrimSpace(p.Git.Branch)
	if branch == "" {
		branch = "HEAD"
	}
	args := []string{"push", "origin", branch}
	if p.Git.PushForce {
		args = append(args, "--force")
	}
	if _, err := r.git(ctx, p.Path, args...); err != nil {
		return err
	}
	r.logger.Info("pushed to remote", "project_id", p.ID, "branch", branch)
	return nil
}

func (r *Runner) configureUser(ctx context.Context, p project.Project) error {
	if name := strings.TrimSpace(p.Git.Username); name != "" {
		if _, err := r.git(ctx, p.Path, "config", "user.name", name); err != nil {
			return err
		}
	}
	if email := strings.TrimSpace(p.Git.Email); email != "" {
		if _, err := r.git(ctx, p.Path, "config", "user.email", email); err != nil {
			return err
		}
	}
	return nil
}

// ensureRemote points origin at the configured remote URL.
func (r *Runner) ensureRemote(ctx context.Context, p project.Project) error {
	current, err := r.git(ctx, p.Path, "remote", "get-url", "origin")
	if err != nil {
		_, err = r.git(ctx, p.Path, "remote", "add", "origin", p.Git.RemoteURL)
		return err
	}
	if strings.TrimSpace(current) == p.Git.RemoteURL {
		return nil
	}
	_, err = r.git(ctx, p.Path, "remote", "set-url", "origin", p.Git.RemoteURL)
	return err
}

// git runs one git command and returns its combined output.
func (r *Runner) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// FormatMessage expands {description}, {timestamp} and {type} in template.
// An empty template yields the description unchanged.
func FormatMessage(template, description string, at time.Time) string {
	if strings.TrimSpace(template) == "" {
		return description
	}
	return strings.NewReplacer(
		"{description}", description,
		"{timestamp}", at.Format(timestampLayout),
		"{type}", defaultType,
	).Replace(template)
}
