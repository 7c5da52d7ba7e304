package domain

import (
	"fmt"
	"time"
)

// Temperature classifies how hard a security is to borrow.
type Temperature string

const (
	TemperatureGC  Temperature = "GC"  // general collateral, easy to borrow
	TemperatureHTB Temperature = "HTB" // hard to borrow
)

// AvailabilityKey identifies one availability row.
type AvailabilityKey struct {
	SecurityID        string          `json:"security_id"`
	AggregationUnitID string          `json:"aggregation_unit_id"`
	BusinessDate      BusinessDate    `json:"business_date"`
	Calculation       CalculationType `json:"calculation"`
}

func (k AvailabilityKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.SecurityID, k.AggregationUnitID, k.BusinessDate, k.Calculation)
}

// InventoryAvailability is one calculated availability row. RuleID and
// RuleVersion record the rule the calculator applied, for auditability.
//
// Invariant: Available + Reserved + Decrement <= Gross and Available >= 0.
type InventoryAvailability struct {
	SecurityID        string          `json:"security_id" db:"security_id"`
	AggregationUnitID string          `json:"aggregation_unit_id" db:"aggregation_unit_id"`
	BusinessDate      BusinessDate    `json:"business_date" db:"business_date"`
	Calculation       CalculationType `json:"calculation" db:"calculation"`
	Gross             int64           `json:"gross" db:"gross"`
	Net               int64           `json:"net" db:"net"`
	Available         int64           `json:"available" db:"available"`
	Reserved          int64           `json:"reserved" db:"reserved"`
	Decrement         int64           `json:"decrement" db:"decrement"`
	Temperature       Temperature     `json:"temperature" db:"temperature"`
	BorrowRate        float64         `json:"borrow_rate" db:"borrow_rate"`
	RuleID            string          `json:"rule_id" db:"rule_id"`
	RuleVersion       int64           `json:"rule_version" db:"rule_version"`
	ExternalSource    string          `json:"external_source,omitempty" db:"external_source"`
	Status            string          `json:"status" db:"status"`
	CalculatedAt      time.Time       `json:"calculated_at" db:"calculated_at"`
	Version           int64           `json:"version" db:"version"`
}

// Key returns the row's availability key.
func (a *InventoryAvailability) Key() AvailabilityKey {
	return AvailabilityKey{
		SecurityID:        a.SecurityID,
		AggregationUnitID: a.AggregationUnitID,
		BusinessDate:      a.BusinessDate,
		Calculation:       a.Calculation,
	}
}

// CheckInvariants verifies the availability identities.
func (a *InventoryAvailability) CheckInvariants() error {
	if a.Available < 0 {
		return fmt.Errorf("availability %s: available %d < 0", a.Key(), a.Available)
	}
	if a.Available+a.Reserved+a.Decrement > a.Gross {
		return fmt.Errorf("availability %s: available %d + reserved %d + decrement %d > gross %d",
			a.Key(), a.Available, a.Reserved, a.Decrement, a.Gross)
	}
	return nil
}

// InventoryDelta is the published change notification for one availability
// row.
type InventoryDelta struct {
	Key          AvailabilityKey `json:"key"`
	Available    int64           `json:"available"`
	PrevAvail    int64           `json:"prev_available"`
	Reserved     int64           `json:"reserved"`
	Decrement    int64           `json:"decrement"`
	Temperature  Temperature     `json:"temperature"`
	RuleID       string          `json:"rule_id"`
	RuleVersion  int64           `json:"rule_version"`
	Version      int64           `json:"version"`
	CalculatedAt time.Time       `json:"calculated_at"`
}
