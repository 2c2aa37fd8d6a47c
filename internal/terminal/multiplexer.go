package terminal

import (
	"fmt"
	"strings"

	"github.com/GianlucaP106/gotmux/gotmux"
)

// Multiplexer is the subset of a terminal multiplexer the adapter drives.
type Multiplexer interface {
	HasSession(name string) bool
	NewSession(name, dir, shellCommand string) error
	KillSession(name string) error
	ListSessions() ([]string, error)
}

// Tmux drives the local tmux server.
type Tmux struct {
	tmux *gotmux.Tmux
}

func NewTmux() (*Tmux, error) {
	t, err := gotmux.DefaultTmux()
	if err != nil {
		return nil, fmt.Errorf("connect tmux: %w", err)
	}
	return &Tmux{tmux: t}, nil
}

// HasSession matches name exactly; a bare has-session target also accepts
// a prefix of a longer session name.
func (t *Tmux) HasSession(name string) bool {
	_, err := t.tmux.Command("has-session", "-t", "="+name)
	return err == nil
}

func (t *Tmux) NewSession(name, dir, shellCommand string) error {
	_, err := t.tmux.NewSession(&gotmux.SessionOptions{
		Name:           name,
		StartDirectory: dir,
		ShellCommand:   shellCommand,
	})
	return err
}

func (t *Tmux) KillSession(name string) error {
	// "=" forces an exact match; tmux otherwise accepts name prefixes.
	_, err := t.tmux.Command("kill-session", "-t", "="+name)
	return err
}

func (t *Tmux) ListSessions() ([]string, error) {
	out, err := t.tmux.Command("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// gotmux drops tmux's stderr, so "no server running" cannot be told
		// apart from other failures; either way there is nothing to list.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
