// Package postgres implements the persistence repositories on PostgreSQL
// via sqlx, with context timeouts on every query and pq error-code mapping
// into the shared error taxonomy.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
)

const (
	pqUniqueViolation = "23505"
	pqSerialization   = "40001"
)

// Connect opens the row store and verifies connectivity.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "pg_unreachable", "postgres ping failed")
	}
	return db, nil
}

// NewRepository wires all postgres-backed repositories over one pool.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Securities:       NewSecurityRepo(db, timeout),
		Counterparties:   NewCounterpartyRepo(db, timeout),
		AggregationUnits: NewAggregationUnitRepo(db, timeout),
		Rules:            NewRuleRepo(db, timeout),
		Decisions:        NewDecisionRepo(db, timeout),
	}
}

// mapError converts driver errors into the taxonomy.
func mapError(err error, code, format string, args ...interface{}) error {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case pqUniqueViolation:
			return errs.Wrap(err, errs.Duplicate, code, format, args...)
		case pqSerialization:
			return errs.Wrap(err, errs.Conflict, code, format, args...)
		}
	}
	return errs.Wrap(err, errs.Dependency, code, format, args...)
}
