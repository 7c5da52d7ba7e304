package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
)

// counterpartyRepo implements persistence.CounterpartyRepo on PostgreSQL.
type counterpartyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCounterpartyRepo creates the postgres counterparty repository.
func NewCounterpartyRepo(db *sqlx.DB, timeout time.Duration) persistence.CounterpartyRepo {
	return &counterpartyRepo{db: db, timeout: timeout}
}

func (r *counterpartyRepo) Upsert(ctx context.Context, cp *domain.Counterparty) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO counterparties (id, name, cp_type, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			cp_type = EXCLUDED.cp_type,
			status = EXCLUDED.status,
			version = counterparties.version + 1,
			updated_at = NOW()`,
		cp.ID, cp.Name, cp.Type, cp.Status)
	if err != nil {
		return mapError(err, "pg_upsert_counterparty", "failed to upsert counterparty %s", cp.ID)
	}
	return nil
}

func (r *counterpartyRepo) Get(ctx context.Context, id string) (*domain.Counterparty, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cp domain.Counterparty
	err := r.db.GetContext(ctx, &cp, `
		SELECT id, name, cp_type, status, version, created_at, updated_at
		FROM counterparties WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.Validation, "not_found", "counterparty %s not found", id)
	}
	if err != nil {
		return nil, mapError(err, "pg_get_counterparty", "failed to load counterparty %s", id)
	}
	return &cp, nil
}

func (r *counterpartyRepo) List(ctx context.Context) ([]*domain.Counterparty, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []*domain.Counterparty
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, name, cp_type, status, version, created_at, updated_at
		FROM counterparties ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "pg_list_counterparties", "failed to list counterparties")
	}
	return out, nil
}

// aggregationUnitRepo implements persistence.AggregationUnitRepo on
// PostgreSQL.
type aggregationUnitRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAggregationUnitRepo creates the postgres aggregation unit repository.
func NewAggregationUnitRepo(db *sqlx.DB, timeout time.Duration) persistence.AggregationUnitRepo {
	return &aggregationUnitRepo{db: db, timeout: timeout}
}

func (r *aggregationUnitRepo) Upsert(ctx context.Context, au *domain.AggregationUnit) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO aggregation_units (id, market, region, name, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, 1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			market = EXCLUDED.market,
			region = EXCLUDED.region,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			version = aggregation_units.version + 1`,
		au.ID, au.Market, au.Region, au.Name, au.Status)
	if err != nil {
		return mapError(err, "pg_upsert_aggunit", "failed to upsert aggregation unit %s", au.ID)
	}
	return nil
}

func (r *aggregationUnitRepo) Get(ctx context.Context, id string) (*domain.AggregationUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var au domain.AggregationUnit
	err := r.db.GetContext(ctx, &au, `
		SELECT id, market, region, name, status, version, created_at
		FROM aggregation_units WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.Validation, "not_found", "aggregation unit %s not found", id)
	}
	if err != nil {
		return nil, mapError(err, "pg_get_aggunit", "failed to load aggregation unit %s", id)
	}
	return &au, nil
}

func (r *aggregationUnitRepo) List(ctx context.Context) ([]*domain.AggregationUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []*domain.AggregationUnit
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, market, region, name, status, version, created_at
		FROM aggregation_units ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "pg_list_aggunits", "failed to list aggregation units")
	}
	return out, nil
}
