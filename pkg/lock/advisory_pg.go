package lock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sokovan/manager/pkg/domain"
)

// AdvisoryPG serializes ticks using PostgreSQL's session-level advisory
// locks (pg_try_advisory_lock / pg_advisory_unlock), grounded on the
// same *sql.DB-driven connection pattern the registry uses. Because
// pg_advisory_lock is tied to the backend connection that took it, a
// held lock pins one *sql.Conn out of the pool for its duration.
type AdvisoryPG struct {
	db *sql.DB
}

// NewAdvisoryPG wraps an existing Postgres connection pool.
func NewAdvisoryPG(db *sql.DB) *AdvisoryPG {
	return &AdvisoryPG{db: db}
}

// TryAcquire implements Manager.
func (a *AdvisoryPG) TryAcquire(ctx context.Context, name string) (func(), error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, &domain.LockError{ScalingGroup: name, Err: fmt.Errorf("acquire connection: %w", err)}
	}

	var gotLock bool
	key := lockKey(name)
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&gotLock); err != nil {
		conn.Close()
		return nil, &domain.LockError{ScalingGroup: name, Err: fmt.Errorf("pg_try_advisory_lock: %w", err)}
	}
	if !gotLock {
		conn.Close()
		return nil, &domain.LockError{ScalingGroup: name, Err: fmt.Errorf("lock %q held by another replica", name)}
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Close()
	}
	return release, nil
}
