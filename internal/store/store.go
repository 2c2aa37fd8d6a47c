package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/tasks"
)

// Store persists both sessions and tasks.
type Store interface {
	session.Store
	tasks.Store
	Mode() string
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

// Open picks a backend from the database URL: empty means in-memory,
// postgres:// or postgresql:// means Postgres, sqlite:// or file: means SQLite.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewMemory(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLite(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLite(strings.TrimPrefix(url, "file:"))
	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}
}
