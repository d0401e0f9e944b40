// Package postgres implements a Lock backed by Postgres advisory locks,
// used when the Build Executor (C5) and Dependency Resolver (C9) run as
// multiple replicas sharing the same Metadata Store.
package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/lock"
)

// Lock is a distributed lock backed by pg_advisory_lock, held for the
// lifetime of a single connection checked out from the pool.
type Lock struct {
	pool *pgxpool.Pool
}

// New creates a Lock backed by the given connection pool.
func New(pool *pgxpool.Pool) (*Lock, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: pool cannot be nil", lock.ErrConfig)
	}

	return &Lock{pool: pool}, nil
}

// Lock reserves the advisory lock keyed by the 64-bit FNV hash of id,
// holding the connection that owns it until the returned function is
// called.
func (l *Lock) Lock(ctx context.Context, id string) (func(context.Context) error, error) {
	key := lockKey(id)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(lock.ErrLocking, err)
	}

	_, err = conn.Exec(ctx, "select pg_advisory_lock($1)", key)
	if err != nil {
		conn.Release()
		return nil, wheelproxy.NewWrappedError(lock.ErrLocking, err)
	}

	return func(ctx context.Context) error {
		defer conn.Release()

		_, err := conn.Exec(ctx, "select pg_advisory_unlock($1)", key)
		if err != nil {
			return wheelproxy.NewWrappedError(lock.ErrLocking, err)
		}
		return nil
	}, nil
}

func lockKey(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64()) //nolint:gosec
}
