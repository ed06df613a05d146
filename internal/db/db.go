// Package db provides PostgreSQL-backed repository implementations for the
// reviewflow scraper service. Repositories accept a DBTX interface satisfied
// by both *pgxpool.Pool (normal queries) and pgx.Tx (transactional
// execution); compound mutations that must stay atomic (mapping + cached
// subscriber count) additionally require a TxBeginner so the repo owns the
// transaction boundary.
//
// The uniqueness constraints below are load-bearing for correctness, not
// hygiene:
//
//	schedule_entries:    UNIQUE (target_type, job_kind, interval_hours, batch_index)
//	subscriber_mappings: UNIQUE (target_id, job_kind) WHERE active
//	interval_overrides:  PRIMARY KEY (tenant_id, target_type)
//	job_runs:            UNIQUE (external_run_id)
package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts transactions. Satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
