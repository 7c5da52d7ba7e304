package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
)

// ruleRepo implements persistence.RuleRepo on PostgreSQL. Criteria,
// conditions and actions are stored as JSONB alongside the indexed
// selection columns.
type ruleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRuleRepo creates the postgres rule repository.
func NewRuleRepo(db *sqlx.DB, timeout time.Duration) persistence.RuleRepo {
	return &ruleRepo{db: db, timeout: timeout}
}

type ruleRow struct {
	ID            string       `db:"id"`
	Version       int64        `db:"version"`
	Name          string       `db:"name"`
	Market        string       `db:"market"`
	Calculation   string       `db:"calculation"`
	Priority      int          `db:"priority"`
	Status        string       `db:"status"`
	EffectiveFrom time.Time    `db:"effective_from"`
	EffectiveTo   sql.NullTime `db:"effective_to"`
	Criteria      []byte       `db:"criteria"`
	Conditions    []byte       `db:"conditions"`
	Actions       []byte       `db:"actions"`
	CreatedAt     time.Time    `db:"created_at"`
	CreatedBy     string       `db:"created_by"`
}

func (row *ruleRow) toDomain() (*domain.Rule, error) {
	rule := &domain.Rule{
		ID:            row.ID,
		Version:       row.Version,
		Name:          row.Name,
		Market:        row.Market,
		Calculation:   domain.CalculationType(row.Calculation),
		Priority:      row.Priority,
		Status:        domain.RuleStatus(row.Status),
		EffectiveFrom: row.EffectiveFrom,
		CreatedAt:     row.CreatedAt,
		CreatedBy:     row.CreatedBy,
	}
	if row.EffectiveTo.Valid {
		t := row.EffectiveTo.Time
		rule.EffectiveTo = &t
	}
	if err := json.Unmarshal(row.Criteria, &rule.Criteria); err != nil {
		return nil, errs.Wrap(err, errs.Fatal, "rule_criteria_corrupt", "rule %s v%d criteria unreadable", row.ID, row.Version)
	}
	if err := json.Unmarshal(row.Conditions, &rule.Conditions); err != nil {
		return nil, errs.Wrap(err, errs.Fatal, "rule_conditions_corrupt", "rule %s v%d conditions unreadable", row.ID, row.Version)
	}
	if err := json.Unmarshal(row.Actions, &rule.Actions); err != nil {
		return nil, errs.Wrap(err, errs.Fatal, "rule_actions_corrupt", "rule %s v%d actions unreadable", row.ID, row.Version)
	}
	return rule, nil
}

func (r *ruleRepo) InsertVersion(ctx context.Context, rule *domain.Rule) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := rule.Validate(); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_rule", "rule rejected")
	}
	criteria, err := json.Marshal(rule.Criteria)
	if err != nil {
		return errs.Wrap(err, errs.Validation, "serialization", "rule criteria cannot be serialized")
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return errs.Wrap(err, errs.Validation, "serialization", "rule conditions cannot be serialized")
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return errs.Wrap(err, errs.Validation, "serialization", "rule actions cannot be serialized")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rules (id, version, name, market, calculation, priority, status,
		                   effective_from, effective_to, criteria, conditions, actions, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), $13)`,
		rule.ID, rule.Version, rule.Name, rule.Market, rule.Calculation, rule.Priority, rule.Status,
		rule.EffectiveFrom, rule.EffectiveTo, criteria, conditions, actions, rule.CreatedBy)
	if err != nil {
		return mapError(err, "pg_insert_rule", "failed to insert rule %s v%d", rule.ID, rule.Version)
	}
	return nil
}

func (r *ruleRepo) UpdateStatus(ctx context.Context, id string, version int64, status domain.RuleStatus, effectiveTo *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rules SET status = $3, effective_to = COALESCE($4, effective_to)
		WHERE id = $1 AND version = $2`,
		id, version, status, effectiveTo)
	if err != nil {
		return mapError(err, "pg_update_rule_status", "failed to update rule %s v%d", id, version)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.Validation, "not_found", "rule %s version %d not found", id, version)
	}
	return nil
}

func (r *ruleRepo) GetVersion(ctx context.Context, id string, version int64) (*domain.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row ruleRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, version, name, market, calculation, priority, status,
		       effective_from, effective_to, criteria, conditions, actions, created_at, created_by
		FROM rules WHERE id = $1 AND version = $2`, id, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.Validation, "not_found", "rule %s version %d not found", id, version)
	}
	if err != nil {
		return nil, mapError(err, "pg_get_rule", "failed to load rule %s v%d", id, version)
	}
	return row.toDomain()
}

func (r *ruleRepo) LatestVersion(ctx context.Context, id string) (*domain.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row ruleRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, version, name, market, calculation, priority, status,
		       effective_from, effective_to, criteria, conditions, actions, created_at, created_by
		FROM rules WHERE id = $1 ORDER BY version DESC LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.Validation, "not_found", "rule %s not found", id)
	}
	if err != nil {
		return nil, mapError(err, "pg_latest_rule", "failed to load rule %s", id)
	}
	return row.toDomain()
}

func (r *ruleRepo) ListActive(ctx context.Context, market string, calc domain.CalculationType, at time.Time) ([]*domain.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []ruleRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, version, name, market, calculation, priority, status,
		       effective_from, effective_to, criteria, conditions, actions, created_at, created_by
		FROM rules
		WHERE market = $1 AND calculation = $2 AND status = 'active'
		  AND effective_from <= $3 AND (effective_to IS NULL OR effective_to > $3)
		ORDER BY priority DESC, version DESC, id`, market, calc, at)
	if err != nil {
		return nil, mapError(err, "pg_list_active_rules", "failed to list active rules for %s/%s", market, calc)
	}
	out := make([]*domain.Rule, 0, len(rows))
	for i := range rows {
		rule, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func (r *ruleRepo) ListAll(ctx context.Context) ([]*domain.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []ruleRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, version, name, market, calculation, priority, status,
		       effective_from, effective_to, criteria, conditions, actions, created_at, created_by
		FROM rules ORDER BY id, version`)
	if err != nil {
		return nil, mapError(err, "pg_list_rules", "failed to list rules")
	}
	out := make([]*domain.Rule, 0, len(rows))
	for i := range rows {
		rule, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}
