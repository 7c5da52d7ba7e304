// Package persistence defines the repository contracts for the row store.
// PostgreSQL implementations live in the postgres subpackage; in-memory
// implementations back tests and single-process runs.
package persistence

import (
	"context"
	"time"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
)

// SecurityRepo persists securities and their identifiers with optimistic
// version columns.
type SecurityRepo interface {
	// Upsert writes the security and its identifiers. A stale version
	// (row moved underneath the caller) returns a Conflict error.
	Upsert(ctx context.Context, sec *domain.Security) error

	// GetByInternal loads one security with identifiers.
	GetByInternal(ctx context.Context, internalID string) (*domain.Security, error)

	// FindByExternal resolves an external identifier to a security.
	FindByExternal(ctx context.Context, idType domain.IdentifierType, value string) (*domain.Security, error)

	// List returns all securities, for cache warm-up.
	List(ctx context.Context) ([]*domain.Security, error)
}

// CounterpartyRepo persists counterparties.
type CounterpartyRepo interface {
	Upsert(ctx context.Context, cp *domain.Counterparty) error
	Get(ctx context.Context, id string) (*domain.Counterparty, error)
	List(ctx context.Context) ([]*domain.Counterparty, error)
}

// AggregationUnitRepo persists aggregation units.
type AggregationUnitRepo interface {
	Upsert(ctx context.Context, au *domain.AggregationUnit) error
	Get(ctx context.Context, id string) (*domain.AggregationUnit, error)
	List(ctx context.Context) ([]*domain.AggregationUnit, error)
}

// RuleRepo persists rule versions. Versions are immutable once written;
// lifecycle transitions update status and effective windows only.
type RuleRepo interface {
	// InsertVersion writes a new rule version. A duplicate (id, version)
	// returns a Duplicate error.
	InsertVersion(ctx context.Context, rule *domain.Rule) error

	// UpdateStatus moves one version through its lifecycle and stamps the
	// effective window edges.
	UpdateStatus(ctx context.Context, id string, version int64, status domain.RuleStatus, effectiveTo *time.Time) error

	// GetVersion loads one exact version.
	GetVersion(ctx context.Context, id string, version int64) (*domain.Rule, error)

	// LatestVersion returns the highest version of a rule id.
	LatestVersion(ctx context.Context, id string) (*domain.Rule, error)

	// ListActive returns active versions for a market and calculation type
	// whose effective window covers at.
	ListActive(ctx context.Context, market string, calc domain.CalculationType, at time.Time) ([]*domain.Rule, error)

	// ListAll returns every stored version, for cache warm-up.
	ListAll(ctx context.Context) ([]*domain.Rule, error)
}

// DecisionRepo is the append-only audit store for the decision workflows.
type DecisionRepo interface {
	AppendShortSell(ctx context.Context, d *domain.ShortSellDecision) error
	AppendLocate(ctx context.Context, r *domain.LocateRequest) error
	ListShortSell(ctx context.Context, securityID string, limit int) ([]*domain.ShortSellDecision, error)
	ListLocates(ctx context.Context, status domain.LocateStatus, limit int) ([]*domain.LocateRequest, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Securities       SecurityRepo
	Counterparties   CounterpartyRepo
	AggregationUnits AggregationUnitRepo
	Rules            RuleRepo
	Decisions        DecisionRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
