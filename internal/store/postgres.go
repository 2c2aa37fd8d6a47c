package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/tasks"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Mode() string { return "postgres" }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			handle TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			history JSONB NOT NULL DEFAULT '[]'::jsonb,
			output_cursor BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			last_activity TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project_created ON sessions (project_id, created_at DESC, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			command TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks (project_id, status, sort_order, priority DESC, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgSessionColumns = `id, project_id, status, handle, error, history, output_cursor, created_at, started_at, last_activity`

func (s *Postgres) CreateSession(ctx context.Context, sess session.Session) error {
	history, err := marshalHistory(sess.History)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (`+pgSessionColumns+`) VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10)`,
		sess.ID,
		sess.ProjectID,
		string(sess.Status),
		sess.Handle,
		sess.Error,
		history,
		sess.OutputCursor,
		sess.CreatedAt,
		sess.StartedAt,
		sess.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := scanPGSession(s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE id=$1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	return sess, err
}

func (s *Postgres) LatestSession(ctx context.Context, projectID string) (session.Session, error) {
	sess, err := scanPGSession(s.pool.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM sessions WHERE project_id=$1 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		projectID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	return sess, err
}

func (s *Postgres) ListSessions(ctx context.Context, projectID string, limit int) ([]session.Session, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM sessions WHERE project_id=$1 ORDER BY created_at DESC, seq DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectPGSessions(rows)
}

func (s *Postgres) ListRunningSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSessionColumns+` FROM sessions WHERE status=$1 ORDER BY created_at DESC, seq DESC`,
		string(session.StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	return collectPGSessions(rows)
}

func (s *Postgres) SaveState(ctx context.Context, sessionID string, st session.State) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status=$1, handle=$2, error=$3, started_at=$4, last_activity=$5 WHERE id=$6`,
		string(st.Status), st.Handle, st.Error, st.StartedAt, st.LastActivity, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendHistory(ctx context.Context, sessionID string, msg session.Message, limit int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT history FROM sessions WHERE id=$1 FOR UPDATE`, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.ErrNotFound
		}
		return fmt.Errorf("load history: %w", err)
	}
	history, err := unmarshalHistory(raw)
	if err != nil {
		return err
	}
	encoded, err := marshalHistory(session.AppendHistory(history, msg, limit))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET history=$1::jsonb, last_activity=$2 WHERE id=$3`,
		encoded, msg.Timestamp, sessionID,
	); err != nil {
		return fmt.Errorf("update history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Postgres) AdvanceCursor(ctx context.Context, sessionID string, from, to int64) (bool, error) {
	if to < from {
		return false, fmt.Errorf("cursor cannot move backwards (%d -> %d)", from, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET output_cursor=$1, last_activity=$2 WHERE id=$3 AND output_cursor=$4`,
		to, time.Now().UTC(), sessionID, from,
	)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Postgres) Touch(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET last_activity=$1 WHERE id=$2`, at, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

const pgTaskColumns = `id, project_id, command, description, status, priority, sort_order, result, created_at, started_at, completed_at`

func (s *Postgres) CreateTask(ctx context.Context, t tasks.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (`+pgTaskColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID,
		t.ProjectID,
		t.Command,
		t.Description,
		string(t.Status),
		t.Priority,
		t.SortOrder,
		t.Result,
		t.CreatedAt,
		t.StartedAt,
		t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	t, err := scanPGTask(s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id=$1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tasks.Task{}, tasks.ErrTaskNotFound
	}
	return t, err
}

func (s *Postgres) ListTasks(ctx context.Context, projectID string, filter tasks.ListFilter) ([]tasks.Task, error) {
	query := `SELECT ` + pgTaskColumns + ` FROM tasks WHERE project_id=$1`
	args := []any{projectID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	query += ` ORDER BY sort_order ASC, priority DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]tasks.Task, 0)
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

// ClaimNext serializes claims per project with a transaction-scoped advisory
// lock, so the in-flight check and the claim see the same queue.
func (s *Postgres) ClaimNext(ctx context.Context, projectID string, at time.Time) (tasks.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, projectID); err != nil {
		return tasks.Task{}, fmt.Errorf("lock project queue: %w", err)
	}

	var inFlight bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE project_id=$1 AND status=$2)`,
		projectID, string(tasks.StatusProcessing),
	).Scan(&inFlight); err != nil {
		return tasks.Task{}, fmt.Errorf("check processing tasks: %w", err)
	}
	if inFlight {
		return tasks.Task{}, tasks.ErrTaskInFlight
	}

	t, err := scanPGTask(tx.QueryRow(ctx,
		`UPDATE tasks SET status=$1, started_at=$2
		  WHERE id = (
			SELECT id FROM tasks
			 WHERE project_id=$3 AND status=$4
			 ORDER BY sort_order ASC, priority DESC, created_at ASC, id ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		  )
		  RETURNING `+pgTaskColumns,
		string(tasks.StatusProcessing), at, projectID, string(tasks.StatusPending),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return tasks.Task{}, tasks.ErrNoPendingTask
	}
	if err != nil {
		return tasks.Task{}, fmt.Errorf("claim task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return tasks.Task{}, fmt.Errorf("commit tx: %w", err)
	}
	return t, nil
}

func (s *Postgres) FinishTask(ctx context.Context, taskID string, status tasks.Status, result string, at time.Time) (tasks.Task, error) {
	if !status.Terminal() {
		return tasks.Task{}, fmt.Errorf("%w: %q is not a terminal status", tasks.ErrInvalidTaskState, status)
	}
	return s.transitionTask(ctx, taskID,
		`UPDATE tasks SET status=$1, result=$2, completed_at=$3 WHERE id=$4 AND status=$5 RETURNING `+pgTaskColumns,
		string(status), result, at, taskID, string(tasks.StatusProcessing),
	)
}

func (s *Postgres) RequeueTask(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.transitionTask(ctx, taskID,
		`UPDATE tasks SET status=$1, started_at=NULL WHERE id=$2 AND status=$3 RETURNING `+pgTaskColumns,
		string(tasks.StatusPending), taskID, string(tasks.StatusProcessing),
	)
}

func (s *Postgres) transitionTask(ctx context.Context, taskID, query string, args ...any) (tasks.Task, error) {
	t, err := scanPGTask(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tasks.Task{}, fmt.Errorf("update task: %w", err)
	}
	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	return tasks.Task{}, fmt.Errorf("%w: task %s is %s", tasks.ErrInvalidTaskState, taskID, current.Status)
}

func (s *Postgres) CountTasks(ctx context.Context, status tasks.Status) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status=$1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func scanPGSession(row pgx.Row) (session.Session, error) {
	var (
		sess    session.Session
		status  string
		history []byte
	)
	if err := row.Scan(
		&sess.ID,
		&sess.ProjectID,
		&status,
		&sess.Handle,
		&sess.Error,
		&history,
		&sess.OutputCursor,
		&sess.CreatedAt,
		&sess.StartedAt,
		&sess.LastActivity,
	); err != nil {
		return session.Session{}, err
	}
	sess.Status = session.Status(status)
	var err error
	if sess.History, err = unmarshalHistory(history); err != nil {
		return session.Session{}, err
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.LastActivity = sess.LastActivity.UTC()
	return sess, nil
}

func collectPGSessions(rows pgx.Rows) ([]session.Session, error) {
	defer rows.Close()
	out := make([]session.Session, 0)
	for rows.Next() {
		sess, err := scanPGSession(rows)
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

func scanPGTask(row pgx.Row) (tasks.Task, error) {
	var (
		t      tasks.Task
		status string
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
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
	); err != nil {
		return tasks.Task{}, err
	}
	t.Status = tasks.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
