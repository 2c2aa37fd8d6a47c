package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/tasks"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite persists sessions and tasks in a single-file database.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite parent dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers; claims and history appends rely on it.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Mode() string { return "sqlite" }

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			handle TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			history TEXT NOT NULL DEFAULT '[]',
			output_cursor INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			last_activity TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions (project_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			command TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks (project_id, status, sort_order, priority, created_at);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

const sqliteSessionColumns = `id, project_id, status, handle, error, history, output_cursor, created_at, started_at, last_activity`

func (s *SQLite) CreateSession(ctx context.Context, sess session.Session) error {
	history, err := marshalHistory(sess.History)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sqliteSessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.ProjectID,
		string(sess.Status),
		sess.Handle,
		sess.Error,
		history,
		sess.OutputCursor,
		formatTime(sess.CreatedAt),
		formatTimePtr(sess.StartedAt),
		formatTime(sess.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	return sess, err
}

func (s *SQLite) LatestSession(ctx context.Context, projectID string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		projectID,
	)
	sess, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	return sess, err
}

func (s *SQLite) ListSessions(ctx context.Context, projectID string, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSQLiteSessions(rows)
}

func (s *SQLite) ListRunningSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at DESC, rowid DESC`,
		string(session.StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	return collectSQLiteSessions(rows)
}

func (s *SQLite) SaveState(ctx context.Context, sessionID string, st session.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, handle = ?, error = ?, started_at = ?, last_activity = ? WHERE id = ?`,
		string(st.Status), st.Handle, st.Error, formatTimePtr(st.StartedAt), formatTime(st.LastActivity), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return requireRow(res, session.ErrNotFound)
}

func (s *SQLite) AppendHistory(ctx context.Context, sessionID string, msg session.Message, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT history FROM sessions WHERE id = ?`, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrNotFound
		}
		return fmt.Errorf("load history: %w", err)
	}
	history, err := unmarshalHistory([]byte(raw))
	if err != nil {
		return err
	}
	encoded, err := marshalHistory(session.AppendHistory(history, msg, limit))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET history = ?, last_activity = ? WHERE id = ?`,
		encoded, formatTime(msg.Timestamp), sessionID,
	); err != nil {
		return fmt.Errorf("update history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLite) AdvanceCursor(ctx context.Context, sessionID string, from, to int64) (bool, error) {
	if to < from {
		return false, fmt.Errorf("cursor cannot move backwards (%d -> %d)", from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET output_cursor = ?, last_activity = ? WHERE id = ? AND output_cursor = ?`,
		to, formatTime(time.Now()), sessionID, from,
	)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLite) Touch(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, formatTime(at), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return requireRow(res, session.ErrNotFound)
}

const sqliteTaskColumns = `id, project_id, command, description, status, priority, sort_order, result, created_at, started_at, completed_at`

func (s *SQLite) CreateTask(ctx context.Context, t tasks.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+sqliteTaskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.ProjectID,
		t.Command,
		t.Description,
		string(t.Status),
		t.Priority,
		t.SortOrder,
		t.Result,
		formatTime(t.CreatedAt),
		formatTimePtr(t.StartedAt),
		formatTimePtr(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, tasks.ErrTaskNotFound
	}
	return t, err
}

func (s *SQLite) ListTasks(ctx context.Context, projectID string, filter tasks.ListFilter) ([]tasks.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + sqliteTaskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY sort_order ASC, priority DESC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]tasks.Task, 0)
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *SQLite) ClaimNext(ctx context.Context, projectID string, at time.Time) (tasks.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?
		  WHERE id = (
			SELECT id FROM tasks
			 WHERE project_id = ? AND status = ?
			 ORDER BY sort_order ASC, priority DESC, created_at ASC, id ASC
			 LIMIT 1
		  )
		  AND NOT EXISTS (SELECT 1 FROM tasks WHERE project_id = ? AND status = ?)
		  RETURNING `+sqliteTaskColumns,
		string(tasks.StatusProcessing), formatTime(at),
		projectID, string(tasks.StatusPending),
		projectID, string(tasks.StatusProcessing),
	)
	t, err := scanSQLiteTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, fmt.Errorf("claim task: %w", err)
	}

	var processing int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE project_id = ? AND status = ?`,
		projectID, string(tasks.StatusProcessing),
	).Scan(&processing); err != nil {
		return tasks.Task{}, fmt.Errorf("count processing tasks: %w", err)
	}
	if processing > 0 {
		return tasks.Task{}, tasks.ErrTaskInFlight
	}
	return tasks.Task{}, tasks.ErrNoPendingTask
}

func (s *SQLite) FinishTask(ctx context.Context, taskID string, status tasks.Status, result string, at time.Time) (tasks.Task, error) {
	if !status.Terminal() {
		return tasks.Task{}, fmt.Errorf("%w: %q is not a terminal status", tasks.ErrInvalidTaskState, status)
	}
	return s.transitionTask(ctx, taskID,
		`UPDATE tasks SET status = ?, result = ?, completed_at = ? WHERE id = ? AND status = ? RETURNING `+sqliteTaskColumns,
		string(status), result, formatTime(at), taskID, string(tasks.StatusProcessing),
	)
}

func (s *SQLite) RequeueTask(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.transitionTask(ctx, taskID,
		`UPDATE tasks SET status = ?, started_at = NULL WHERE id = ? AND status = ? RETURNING `+sqliteTaskColumns,
		string(tasks.StatusPending), taskID, string(tasks.StatusProcessing),
	)
}

func (s *SQLite) transitionTask(ctx context.Context, taskID, query string, args ...any) (tasks.Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, fmt.Errorf("update task: %w", err)
	}
	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	return tasks.Task{}, fmt.Errorf("%w: task %s is %s", tasks.ErrInvalidTaskState, taskID, current.Status)
}

func (s *SQLite) CountTasks(ctx context.Context, status tasks.Status) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (session.Session, error) {
	var (
		sess         session.Session
		status       string
		history      string
		createdAt    string
		startedAt    sql.NullString
		lastActivity string
	)
	if err := row.Scan(
		&sess.ID,
		&sess.ProjectID,
		&status,
		&sess.Handle,
		&sess.Error,
		&history,
		&sess.OutputCursor,
		&createdAt,
		&startedAt,
		&lastActivity,
	); err != nil {
		return session.Session{}, err
	}
	sess.Status = session.Status(status)
	var err error
	if sess.History, err = unmarshalHistory([]byte(history)); err != nil {
		return session.Session{}, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return session.Session{}, err
	}
	if sess.StartedAt, err = parseNullTime(startedAt); err != nil {
		return session.Session{}, err
	}
	if sess.LastActivity, err = parseTime(lastActivity); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func collectSQLiteSessions(rows *sql.Rows) ([]session.Session, error) {
	defer rows.Close()
	out := make([]session.Session, 0)
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func scanSQLiteTask(row rowScanner) (tasks.Task, error) {
	var (
		t           tasks.Task
		status      string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	if err := row.Scan(
		&t.ID,
		&t.ProjectID,
		&t.Command,
		&t.Description,
		&status,
		&t.Priority,
		&t.SortOrder,
		&t.Result,
		&createdAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return tasks.Task{}, err
	}
	t.Status = tasks.Status(status)
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return tasks.Task{}, err
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return tasks.Task{}, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return tasks.Task{}, err
	}
	return t, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func marshalHistory(history []session.Message) (string, error) {
	if history == nil {
		history = []session.Message{}
	}
	b, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(b), nil
}

func unmarshalHistory(raw []byte) ([]session.Message, error) {
	history := []session.Message{}
	if len(raw) == 0 {
		return history, nil
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return history, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
