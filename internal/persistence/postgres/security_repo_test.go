package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

func newMockRepo(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func testSecurity() *domain.Security {
	return &domain.Security{
		InternalID: "SEC-001",
		Type:       domain.SecurityEquity,
		Issuer:     "ACME Corp",
		Currency:   "USD",
		Market:     "US",
		Status:     domain.SecurityActive,
		Version:    3,
		Identifiers: []domain.SecurityIdentifier{
			{Type: domain.IdentifierISIN, Value: "US0000000001", Source: "reuters", Priority: 100, IsPrimary: true},
			{Type: domain.IdentifierTicker, Value: "ACME", Source: "bloomberg", Priority: 90},
		},
	}
}

func TestSecurityUpsertWritesRowAndIdentifiers(t *testing.T) {
	db, mock := newMockRepo(t)
	repo := NewSecurityRepo(db, time.Second)
	sec := testSecurity()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO securities`).
		WithArgs(sec.InternalID, sec.Type, sec.Issuer, sec.Currency, sec.Market,
			sec.Status, sec.IsBasket, sec.BasketType, sec.Version).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM security_identifiers`).
		WithArgs(sec.InternalID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO security_identifiers`).
		WithArgs(sec.InternalID, domain.IdentifierISIN, "US0000000001", "reuters", 100, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO security_identifiers`).
		WithArgs(sec.InternalID, domain.IdentifierTicker, "ACME", "bloomberg", 90, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Upsert(context.Background(), sec)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSecurityUpsertStaleVersionIsConflict(t *testing.T) {
	db, mock := newMockRepo(t)
	repo := NewSecurityRepo(db, time.Second)
	sec := testSecurity()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO securities`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Upsert(context.Background(), sec)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.ClassOf(err))
	assert.Equal(t, "stale_version", errs.CodeOf(err))
	assert.Equal(t, int64(3), sec.Version, "version unchanged on conflict")
}

func TestSecurityUpsertRejectsTwoPrimaries(t *testing.T) {
	db, _ := newMockRepo(t)
	repo := NewSecurityRepo(db, time.Second)
	sec := testSecurity()
	sec.Identifiers[1].IsPrimary = true

	err := repo.Upsert(context.Background(), sec)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.ClassOf(err))
}

func TestSecurityGetByInternal(t *testing.T) {
	db, mock := newMockRepo(t)
	repo := NewSecurityRepo(db, time.Second)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM securities WHERE internal_id`).
		WithArgs("SEC-001").
		WillReturnRows(sqlmock.NewRows([]string{
			"internal_id", "sec_type", "issuer", "currency", "market", "status",
			"is_basket", "basket_type", "version", "created_at", "updated_at",
		}).AddRow("SEC-001", "equity", "ACME Corp", "USD", "US", "active", false, "", 4, now, now))
	mock.ExpectQuery(`SELECT .+ FROM security_identifiers`).
		WithArgs("SEC-001").
		WillReturnRows(sqlmock.NewRows([]string{"id_type", "id_value", "source", "priority", "is_primary"}).
			AddRow("ISIN", "US0000000001", "reuters", 100, true))

	sec, err := repo.GetByInternal(context.Background(), "SEC-001")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sec.Version)
	require.Len(t, sec.Identifiers, 1)
	assert.True(t, sec.Identifiers[0].IsPrimary)
}

func TestSecurityGetByInternalNotFound(t *testing.T) {
	db, mock := newMockRepo(t)
	repo := NewSecurityRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .+ FROM securities WHERE internal_id`).
		WithArgs("MISSING").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByInternal(context.Background(), "MISSING")
	require.Error(t, err)
	assert.Equal(t, "not_found", errs.CodeOf(err))
}

func TestSecurityFindByExternalResolvesThroughIndex(t *testing.T) {
	db, mock := newMockRepo(t)
	repo := NewSecurityRepo(db, time.Second)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT internal_id FROM security_identifiers`)).
		WithArgs(domain.IdentifierISIN, "US0000000001").
		WillReturnRows(sqlmock.NewRows([]string{"internal_id"}).AddRow("SEC-001"))
	mock.ExpectQuery(`SELECT .+ FROM securities WHERE internal_id`).
		WithArgs("SEC-001").
		WillReturnRows(sqlmock.NewRows([]string{
			"internal_id", "sec_type", "issuer", "currency", "market", "status",
			"is_basket", "basket_type", "version", "created_at", "updated_at",
		}).AddRow("SEC-001", "equity", "ACME Corp", "USD", "US", "active", false, "", 4, now, now))
	mock.ExpectQuery(`SELECT .+ FROM security_identifiers`).
		WithArgs("SEC-001").
		WillReturnRows(sqlmock.NewRows([]string{"id_type", "id_value", "source", "priority", "is_primary"}))

	sec, err := repo.FindByExternal(context.Background(), domain.IdentifierISIN, "US0000000001")
	require.NoError(t, err)
	assert.Equal(t, "SEC-001", sec.InternalID)
}
