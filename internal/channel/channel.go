package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/ent0n29/foreman/internal/session"
)

var (
	ErrSessionNotRunning  = errors.New("session not running")
	ErrChannelUnavailable = errors.New("session channel unavailable")
)

const defaultWriteTimeout = 2 * time.Second

// Paths resolves the pipe and log of a session.
type Paths interface {
	PipePath(sessionID string) string
	LogPath(sessionID string) string
}

// Channel writes commands into a session's input pipe and consumes its
// output log through the cursor stored on the session record.
type Channel struct {
	store        session.Store
	paths        Paths
	logger       *slog.Logger
	historyLimit int
	writeTimeout time.Duration
	now          func() time.Time
}

func New(store session.Store, paths Paths, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{
		store:        store,
		paths:        paths,
		logger:       logger,
		historyLimit: session.HistoryLimit,
		writeTimeout: defaultWriteTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Send writes command plus a newline to the session's pipe in one write and
// records it as a user message.
func (c *Channel) Send(ctx context.Context, sessionID, command string) error {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.Running() {
		return fmt.Errorf("%w: session %s is %s", ErrSessionNotRunning, sessionID, s.Status)
	}
	if err := c.writePipe(c.paths.PipePath(sessionID), []byte(command+"\n")); err != nil {
		return err
	}

	now := c.now()
	if err := c.store.AppendHistory(ctx, sessionID, session.Message{
		Role:      session.RoleUser,
		Content:   command,
		Timestamp: now,
	}, c.historyLimit); err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	c.logger.Debug("command sent", "session_id", sessionID, "bytes", len(command)+1)
	return nil
}

func (c *Channel) writePipe(path string, payload []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return fmt.Errorf("%w: %s is not a named pipe", ErrChannelUnavailable, path)
	}

	// Non-blocking open fails with ENXIO instead of hanging when nothing
	// holds the read end.
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return fmt.Errorf("%w: no reader on %s", ErrChannelUnavailable, path)
		}
		return fmt.Errorf("%w: open %s: %v", ErrChannelUnavailable, path, err)
	}
	defer f.Close()

	if err := f.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Debug("pipe write deadline unsupported", "path", path, "err", err)
	}
	n, err := f.Write(payload)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrChannelUnavailable, path, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: short write to %s (%d of %d bytes)", ErrChannelUnavailable, path, n, len(payload))
	}
	return nil
}

// Receive returns the log bytes appended since the session's cursor and
// advances the cursor past them. A UTF-8 sequence cut off at the end of the
// log is left for the next call. ok is false when there is nothing new, when
// the log does not exist yet, or when a concurrent reader consumed the bytes
// first.
func (c *Channel) Receive(ctx context.Context, sessionID string) (string, bool, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", false, err
	}

	f, err := os.Open(c.paths.LogPath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: open log: %v", ErrChannelUnavailable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, fmt.Errorf("%w: stat log: %v", ErrChannelUnavailable, err)
	}
	from := s.OutputCursor
	size := info.Size()
	if size <= from {
		return "", false, nil
	}

	buf := make([]byte, size-from)
	n, err := f.ReadAt(buf, from)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, fmt.Errorf("%w: read log: %v", ErrChannelUnavailable, err)
	}
	n = completeRunes(buf[:n])
	if n == 0 {
		return "", false, nil
	}
	buf = buf[:n]

	advanced, err := c.store.AdvanceCursor(ctx, sessionID, from, from+int64(n))
	if err != nil {
		return "", false, fmt.Errorf("advance cursor: %w", err)
	}
	if !advanced {
		c.logger.Debug("output consumed concurrently", "session_id", sessionID, "cursor", from)
		return "", false, nil
	}
	return string(buf), true, nil
}

// completeRunes returns the length of buf without a trailing incomplete UTF-8
// sequence. Invalid bytes count as complete so they never hold the cursor back.
func completeRunes(buf []byte) int {
	for i := len(buf) - 1; i >= 0 && i > len(buf)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if utf8.FullRune(buf[i:]) {
			return len(buf)
		}
		return i
	}
	return len(buf)
}

// Record appends assistant output to the session's history.
func (c *Channel) Record(ctx context.Context, sessionID, output string) error {
	return c.store.AppendHistory(ctx, sessionID, session.Message{
		Role:      session.RoleAssistant,
		Content:   output,
		Timestamp: c.now(),
	}, c.historyLimit)
}
