package domain

import (
	"fmt"
	"time"
)

// CalculationType names the availability classes the calculator produces.
type CalculationType string

const (
	CalcForLoan    CalculationType = "for-loan"
	CalcForPledge  CalculationType = "for-pledge"
	CalcLocate     CalculationType = "locate"
	CalcShortSell  CalculationType = "short-sell"
	CalcOverborrow CalculationType = "overborrow"
)

// AllCalculationTypes lists every availability class, in recalculation order.
var AllCalculationTypes = []CalculationType{
	CalcForLoan, CalcForPledge, CalcLocate, CalcShortSell, CalcOverborrow,
}

// RuleStatus is the lifecycle status of a rule version.
type RuleStatus string

const (
	RuleDraft      RuleStatus = "draft"
	RuleActive     RuleStatus = "active"
	RuleSuperseded RuleStatus = "superseded"
)

// ConditionOperator is the comparison applied by a rule condition.
type ConditionOperator string

const (
	OpEquals     ConditionOperator = "EQUALS"
	OpNotEquals  ConditionOperator = "NOT_EQUALS"
	OpGT         ConditionOperator = "GT"
	OpGE         ConditionOperator = "GE"
	OpLT         ConditionOperator = "LT"
	OpLE         ConditionOperator = "LE"
	OpIn         ConditionOperator = "IN"
	OpNotIn      ConditionOperator = "NOT_IN"
	OpStartsWith ConditionOperator = "STARTS_WITH"
	OpMatches    ConditionOperator = "MATCHES"
)

// LogicalOperator joins a condition to the accumulated result of the
// conditions before it. Evaluation is strictly left-to-right; the first
// condition's Logic is ignored.
type LogicalOperator string

const (
	LogicAnd LogicalOperator = "AND"
	LogicOr  LogicalOperator = "OR"
)

// Condition is one comparison in a rule's condition list.
type Condition struct {
	Attribute string            `json:"attribute" yaml:"attribute"`
	Operator  ConditionOperator `json:"operator" yaml:"operator"`
	Value     string            `json:"value,omitempty" yaml:"value,omitempty"`
	Values    []string          `json:"values,omitempty" yaml:"values,omitempty"`
	Logic     LogicalOperator   `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// ActionType enumerates what a matched rule contributes to the calculation.
type ActionType string

const (
	ActionMultiplyFactor   ActionType = "multiply_factor"
	ActionInclude          ActionType = "include_in_calculation"
	ActionExclude          ActionType = "exclude_from_calculation"
	ActionReserveForPledge ActionType = "reserve_for_pledge"
	ActionSetTemperature   ActionType = "set_temperature"
	ActionSetBorrowRate    ActionType = "set_borrow_rate"
)

// Action is one effect of a matched rule.
type Action struct {
	Type   ActionType `json:"type" yaml:"type"`
	Factor float64    `json:"factor,omitempty" yaml:"factor,omitempty"`
	Value  string     `json:"value,omitempty" yaml:"value,omitempty"`
}

// Criteria scope a rule to a subset of securities. Include entries are
// additive, exclude entries subtractive; both are (attribute, values)
// membership tests against the evaluable schema.
type Criteria struct {
	Include []Condition `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []Condition `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Rule is one versioned, market-scoped calculation rule. (ID, Version) is
// unique; at most one version per (CalculationType, Market, Name) is active
// at any wall-clock instant, enforced through effective windows.
type Rule struct {
	ID            string          `json:"id" db:"id" yaml:"id"`
	Version       int64           `json:"version" db:"version" yaml:"version"`
	Name          string          `json:"name" db:"name" yaml:"name"`
	Market        string          `json:"market" db:"market" yaml:"market"`
	Calculation   CalculationType `json:"calculation" db:"calculation" yaml:"calculation"`
	Priority      int             `json:"priority" db:"priority" yaml:"priority"`
	Status        RuleStatus      `json:"status" db:"status" yaml:"status"`
	EffectiveFrom time.Time       `json:"effective_from" db:"effective_from" yaml:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty" db:"effective_to" yaml:"effective_to,omitempty"`
	Criteria      Criteria        `json:"criteria" yaml:"criteria"`
	Conditions    []Condition     `json:"conditions" yaml:"conditions"`
	Actions       []Action        `json:"actions" yaml:"actions"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at" yaml:"-"`
	CreatedBy     string          `json:"created_by" db:"created_by" yaml:"-"`
}

// ActiveAt reports whether the rule version's effective window covers t.
func (r *Rule) ActiveAt(t time.Time) bool {
	if r.Status != RuleActive {
		return false
	}
	if t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !t.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// Validate checks a rule before it is stored.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	if r.Market == "" {
		return fmt.Errorf("rule %s: missing market", r.ID)
	}
	switch r.Calculation {
	case CalcForLoan, CalcForPledge, CalcLocate, CalcShortSell, CalcOverborrow:
	default:
		return fmt.Errorf("rule %s: unknown calculation type %q", r.ID, r.Calculation)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %s: at least one action required", r.ID)
	}
	for i, c := range r.Conditions {
		if c.Attribute == "" {
			return fmt.Errorf("rule %s: condition %d missing attribute", r.ID, i)
		}
		switch c.Operator {
		case OpEquals, OpNotEquals, OpGT, OpGE, OpLT, OpLE, OpIn, OpNotIn, OpStartsWith, OpMatches:
		default:
			return fmt.Errorf("rule %s: condition %d has unknown operator %q", r.ID, i, c.Operator)
		}
	}
	return nil
}
