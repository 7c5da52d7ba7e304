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

// securityRepo implements persistence.SecurityRepo on PostgreSQL.
type securityRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSecurityRepo creates the postgres security repository.
func NewSecurityRepo(db *sqlx.DB, timeout time.Duration) persistence.SecurityRepo {
	return &securityRepo{db: db, timeout: timeout}
}

// Upsert writes the security row under optimistic concurrency and replaces
// its identifier rows in the same transaction.
func (r *securityRepo) Upsert(ctx context.Context, sec *domain.Security) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := sec.Validate(); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_security", "security rejected")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err, "pg_begin", "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO securities (internal_id, sec_type, issuer, currency, market, status, is_basket, basket_type, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9 + 1, NOW(), NOW())
		ON CONFLICT (internal_id) DO UPDATE SET
			sec_type = EXCLUDED.sec_type,
			issuer = EXCLUDED.issuer,
			currency = EXCLUDED.currency,
			market = EXCLUDED.market,
			status = EXCLUDED.status,
			is_basket = EXCLUDED.is_basket,
			basket_type = EXCLUDED.basket_type,
			version = securities.version + 1,
			updated_at = NOW()
		WHERE securities.version = $9`,
		sec.InternalID, sec.Type, sec.Issuer, sec.Currency, sec.Market,
		sec.Status, sec.IsBasket, sec.BasketType, sec.Version)
	if err != nil {
		return mapError(err, "pg_upsert_security", "failed to upsert security %s", sec.InternalID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.Conflict, "stale_version", "security %s version %d is stale", sec.InternalID, sec.Version)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM security_identifiers WHERE internal_id = $1`, sec.InternalID); err != nil {
		return mapError(err, "pg_clear_identifiers", "failed to clear identifiers for %s", sec.InternalID)
	}
	for _, id := range sec.Identifiers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO security_identifiers (internal_id, id_type, id_value, source, priority, is_primary)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sec.InternalID, id.Type, id.Value, id.Source, id.Priority, id.IsPrimary); err != nil {
			return mapError(err, "pg_insert_identifier", "failed to insert identifier %s=%s", id.Type, id.Value)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError(err, "pg_commit", "failed to commit security upsert")
	}
	sec.Version++
	return nil
}

func (r *securityRepo) GetByInternal(ctx context.Context, internalID string) (*domain.Security, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sec domain.Security
	err := r.db.GetContext(ctx, &sec, `
		SELECT internal_id, sec_type, issuer, currency, market, status, is_basket,
		       COALESCE(basket_type, '') AS basket_type, version, created_at, updated_at
		FROM securities WHERE internal_id = $1`, internalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.Validation, "not_found", "security %s not found", internalID)
	}
	if err != nil {
		return nil, mapError(err, "pg_get_security", "failed to load security %s", internalID)
	}
	if err := r.loadIdentifiers(ctx, &sec); err != nil {
		return nil, err
	}
	return &sec, nil
}

func (r *securityRepo) FindByExternal(ctx context.Context, idType domain.IdentifierType, value string) (*domain.Security, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var internalID string
	err := r.db.GetContext(ctx, &internalID, `
		SELECT internal_id FROM security_identifiers
		WHERE id_type = $1 AND id_value = $2
		ORDER BY priority DESC LIMIT 1`, idType, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.Validation, "not_found", "no security with %s=%s", idType, value)
	}
	if err != nil {
		return nil, mapError(err, "pg_find_external", "failed to resolve %s=%s", idType, value)
	}
	return r.GetByInternal(ctx, internalID)
}

func (r *securityRepo) List(ctx context.Context) ([]*domain.Security, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var secs []*domain.Security
	err := r.db.SelectContext(ctx, &secs, `
		SELECT internal_id, sec_type, issuer, currency, market, status, is_basket,
		       COALESCE(basket_type, '') AS basket_type, version, created_at, updated_at
		FROM securities ORDER BY internal_id`)
	if err != nil {
		return nil, mapError(err, "pg_list_securities", "failed to list securities")
	}
	for _, sec := range secs {
		if err := r.loadIdentifiers(ctx, sec); err != nil {
			return nil, err
		}
	}
	return secs, nil
}

func (r *securityRepo) loadIdentifiers(ctx context.Context, sec *domain.Security) error {
	err := r.db.SelectContext(ctx, &sec.Identifiers, `
		SELECT id_type, id_value, source, priority, is_primary
		FROM security_identifiers WHERE internal_id = $1
		ORDER BY priority DESC, id_type`, sec.InternalID)
	if err != nil {
		return mapError(err, "pg_load_identifiers", "failed to load identifiers for %s", sec.InternalID)
	}
	return nil
}
