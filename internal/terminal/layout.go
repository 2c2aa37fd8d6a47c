package terminal

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	pipeName = "input.pipe"
	logName  = "output.log"
)

// Layout maps a session id to its on-disk artifacts. Each session gets its
// own directory, so two sessions never share a pipe or log.
type Layout struct {
	BaseDir string
}

func (l Layout) Dir(sessionID string) string {
	return filepath.Join(l.BaseDir, sessionID)
}

func (l Layout) PipePath(sessionID string) string {
	return filepath.Join(l.Dir(sessionID), pipeName)
}

func (l Layout) LogPath(sessionID string) string {
	return filepath.Join(l.Dir(sessionID), logName)
}

// SessionName builds the multiplexer session name <prefix>_<project>_<session>.
// Without a session id it returns the project prefix used for teardown.
func SessionName(prefix, projectID, sessionID string) string {
	if sessionID == "" {
		return fmt.Sprintf("%s_%s", prefix, projectID)
	}
	return fmt.Sprintf("%s_%s_%s", prefix, projectID, sessionID)
}

// ParseSessionName is the inverse of SessionName. Project ids never contain
// '_', so the first separator after the prefix splits project from session.
func ParseSessionName(prefix, name string) (projectID, sessionID string, ok bool) {
	rest, found := strings.CutPrefix(name, prefix+"_")
	if !found || rest == "" {
		return "", "", false
	}
	projectID, sessionID, _ = strings.Cut(rest, "_")
	if projectID == "" {
		return "", "", false
	}
	return projectID, sessionID, true
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// launchCommand runs the assistant with stdin bound to the FIFO and output
// appended to the log. fd 3 holds the FIFO open read-write so the reader end
// never sees EOF between commands.
func launchCommand(dir, pipePath, logPath, assistant string) string {
	return fmt.Sprintf("cd %s && exec 3<>%s && exec %s <&3 >>%s 2>&1",
		shellQuote(dir), shellQuote(pipePath), assistant, shellQuote(logPath))
}
