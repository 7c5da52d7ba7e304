package rules

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// Attributes is the evaluable view of a security/position/contract change
// handed to rule evaluation. Keys come from the fixed schema below.
type Attributes map[string]interface{}

// evaluableAttributes is the fixed schema rule conditions may reference.
var evaluableAttributes = map[string]bool{
	"security.type":           true,
	"security.market":         true,
	"security.currency":       true,
	"security.issuer":         true,
	"security.status":         true,
	"security.is_basket":      true,
	"position.book":           true,
	"position.sod_qty":        true,
	"position.current_qty":    true,
	"position.projected_qty":  true,
	"position.hypothecatable": true,
	"contract.type":           true,
	"contract.side":           true,
	"counterparty.type":       true,
	"unit.region":             true,
	"unit.market":             true,
	"market_data.price":       true,
	"temperature":             true,
	"borrow_rate":             true,
}

// ValidateAttributes rejects rules referencing attributes outside the
// evaluable schema.
func ValidateAttributes(rule *domain.Rule) error {
	check := func(conds []domain.Condition, where string) error {
		for i, c := range conds {
			if !evaluableAttributes[c.Attribute] {
				return errs.New(errs.Validation, "unknown_attribute",
					"rule %s: %s condition %d references unknown attribute %q", rule.ID, where, i, c.Attribute)
			}
		}
		return nil
	}
	if err := check(rule.Conditions, "rule"); err != nil {
		return err
	}
	if err := check(rule.Criteria.Include, "include"); err != nil {
		return err
	}
	return check(rule.Criteria.Exclude, "exclude")
}

// TraceStep records the evaluation of one condition for rule testing.
type TraceStep struct {
	Where       string           `json:"where"` // include | exclude | condition
	Condition   domain.Condition `json:"condition"`
	Result      bool             `json:"result"`
	Accumulated bool             `json:"accumulated"`
}

// Trace is the full evaluation record returned by Engine.Test.
type Trace struct {
	InScope bool        `json:"in_scope"`
	Matched bool        `json:"matched"`
	Steps   []TraceStep `json:"steps"`
}

var (
	regexMu    sync.Mutex
	regexCache = map[string]*regexp.Regexp{}
)

func matchRegexp(pattern, value string) bool {
	regexMu.Lock()
	re, ok := regexCache[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			regexMu.Unlock()
			return false
		}
		regexCache[pattern] = re
	}
	regexMu.Unlock()
	return re.MatchString(value)
}

func attrString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func attrNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// evalCondition evaluates one condition against the attribute set. A
// missing attribute value never matches.
func evalCondition(c domain.Condition, attrs Attributes) bool {
	raw, ok := attrs[c.Attribute]
	if !ok {
		return false
	}
	have := attrString(raw)

	switch c.Operator {
	case domain.OpEquals:
		return have == c.Value
	case domain.OpNotEquals:
		return have != c.Value
	case domain.OpGT, domain.OpGE, domain.OpLT, domain.OpLE:
		haveN, okHave := attrNumber(raw)
		wantN, okWant := attrNumber(c.Value)
		if okHave && okWant {
			switch c.Operator {
			case domain.OpGT:
				return haveN > wantN
			case domain.OpGE:
				return haveN >= wantN
			case domain.OpLT:
				return haveN < wantN
			default:
				return haveN <= wantN
			}
		}
		// fall back to lexicographic for non-numeric values
		switch c.Operator {
		case domain.OpGT:
			return have > c.Value
		case domain.OpGE:
			return have >= c.Value
		case domain.OpLT:
			return have < c.Value
		default:
			return have <= c.Value
		}
	case domain.OpIn:
		for _, v := range c.Values {
			if have == v {
				return true
			}
		}
		return false
	case domain.OpNotIn:
		for _, v := range c.Values {
			if have == v {
				return false
			}
		}
		return true
	case domain.OpStartsWith:
		return strings.HasPrefix(have, c.Value)
	case domain.OpMatches:
		return matchRegexp(c.Value, have)
	default:
		return false
	}
}

// evalConditions folds the condition list strictly left to right. Each
// condition's Logic joins it to the accumulated result; the first
// condition's Logic is ignored. An empty list matches.
func evalConditions(conds []domain.Condition, attrs Attributes, where string, steps *[]TraceStep) bool {
	if len(conds) == 0 {
		return true
	}
	acc := false
	for i, c := range conds {
		r := evalCondition(c, attrs)
		if i == 0 {
			acc = r
		} else if c.Logic == domain.LogicOr {
			acc = acc || r
		} else {
			acc = acc && r
		}
		if steps != nil {
			*steps = append(*steps, TraceStep{Where: where, Condition: c, Result: r, Accumulated: acc})
		}
	}
	return acc
}

// inScope applies the rule's criteria: any matching include condition puts
// the record in scope (no includes means everything), any matching exclude
// condition takes it out.
func inScope(criteria domain.Criteria, attrs Attributes, steps *[]TraceStep) bool {
	included := len(criteria.Include) == 0
	for _, c := range criteria.Include {
		r := evalCondition(c, attrs)
		included = included || r
		if steps != nil {
			*steps = append(*steps, TraceStep{Where: "include", Condition: c, Result: r, Accumulated: included})
		}
	}
	if !included {
		return false
	}
	for _, c := range criteria.Exclude {
		r := evalCondition(c, attrs)
		if steps != nil {
			*steps = append(*steps, TraceStep{Where: "exclude", Condition: c, Result: r, Accumulated: !r})
		}
		if r {
			return false
		}
	}
	return true
}

// Matches reports whether the rule applies to the attribute set: in scope
// by criteria and conditions evaluating true.
func Matches(rule *domain.Rule, attrs Attributes) bool {
	if !inScope(rule.Criteria, attrs, nil) {
		return false
	}
	return evalConditions(rule.Conditions, attrs, "condition", nil)
}

// Evaluate runs the rule with a full trace, for the Test operation.
func Evaluate(rule *domain.Rule, attrs Attributes) Trace {
	var steps []TraceStep
	scope := inScope(rule.Criteria, attrs, &steps)
	matched := false
	if scope {
		matched = evalConditions(rule.Conditions, attrs, "condition", &steps)
	}
	return Trace{InScope: scope, Matched: scope && matched, Steps: steps}
}
