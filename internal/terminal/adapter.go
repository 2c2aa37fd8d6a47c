package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ent0n29/foreman/internal/project"
)

var ErrSpawn = errors.New("spawn session process")

type Config struct {
	Layout           Layout
	Prefix           string
	AssistantCommand string
}

// Adapter runs one assistant process per session inside a multiplexer
// session, fed through a named pipe and writing to a log file.
type Adapter struct {
	cfg    Config
	mux    Multiplexer
	logger *slog.Logger
}

func NewAdapter(cfg Config, mux Multiplexer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "session"
	}
	if strings.TrimSpace(cfg.AssistantCommand) == "" {
		cfg.AssistantCommand = "claude"
	}
	return &Adapter{cfg: cfg, mux: mux, logger: logger}
}

func (a *Adapter) Layout() Layout {
	return a.cfg.Layout
}

// Spawn launches the assistant for p and returns the multiplexer session name
// as the handle. Any process left over from an earlier session of the same
// project is torn down first.
func (a *Adapter) Spawn(ctx context.Context, p project.Project, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := project.CheckDirectory(p.Path); err != nil {
		return "", err
	}

	a.teardownProject(p.ID)

	dir := a.cfg.Layout.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create session dir: %v", ErrSpawn, err)
	}
	pipePath := a.cfg.Layout.PipePath(sessionID)
	if err := os.Remove(pipePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: remove stale pipe: %v", ErrSpawn, err)
	}
	if err := unix.Mkfifo(pipePath, 0o600); err != nil {
		return "", fmt.Errorf("%w: mkfifo %s: %v", ErrSpawn, pipePath, err)
	}
	logPath := a.cfg.Layout.LogPath(sessionID)
	if err := os.WriteFile(logPath, nil, 0o644); err != nil {
		return "", fmt.Errorf("%w: create log: %v", ErrSpawn, err)
	}

	assistant := p.AssistantCommand
	if assistant == "" {
		assistant = a.cfg.AssistantCommand
	}
	name := SessionName(a.cfg.Prefix, p.ID, sessionID)
	cmd := launchCommand(p.Path, pipePath, logPath, assistant)
	if err := a.mux.NewSession(name, p.Path, cmd); err != nil {
		return "", fmt.Errorf("%w: new session %s: %v", ErrSpawn, name, err)
	}
	if !a.mux.HasSession(name) {
		return "", fmt.Errorf("%w: session %s exited immediately", ErrSpawn, name)
	}
	a.logger.Debug("spawned session process", "project_id", p.ID, "session_id", sessionID, "handle", name)
	return name, nil
}

// Terminate kills the process behind handle. A missing process is not an error.
func (a *Adapter) Terminate(_ context.Context, handle string) error {
	if handle == "" || !a.mux.HasSession(handle) {
		return nil
	}
	if err := a.mux.KillSession(handle); err != nil {
		if !a.mux.HasSession(handle) {
			return nil
		}
		return fmt.Errorf("kill session %s: %w", handle, err)
	}
	return nil
}

func (a *Adapter) IsAlive(_ context.Context, handle string) bool {
	if handle == "" {
		return false
	}
	return a.mux.HasSession(handle)
}

// Cleanup removes the session's pipe and log.
func (a *Adapter) Cleanup(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	return os.RemoveAll(a.cfg.Layout.Dir(sessionID))
}

func (a *Adapter) teardownProject(projectID string) {
	names, err := a.mux.ListSessions()
	if err != nil {
		a.logger.Warn("list multiplexer sessions", "err", err)
		return
	}
	for _, name := range names {
		pid, _, ok := ParseSessionName(a.cfg.Prefix, name)
		if !ok || pid != projectID {
			continue
		}
		if err := a.mux.KillSession(name); err != nil {
			a.logger.Warn("kill leftover session", "handle", name, "err", err)
			continue
		}
		a.logger.Info("killed leftover session", "project_id", projectID, "handle", name)
	}
}
