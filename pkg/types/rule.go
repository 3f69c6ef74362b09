package types

import (
	"fmt"
	"time"
)

// ConditionKind identifies what a condition inspects. The set is closed;
// unknown kinds fail validation instead of being dispatched dynamically.
type ConditionKind string

const (
	ConditionBuyPrice               ConditionKind = "buyPrice"
	ConditionFeedInPrice            ConditionKind = "feedInPrice"
	ConditionStateOfCharge          ConditionKind = "stateOfCharge"
	ConditionSolarRadiationForecast ConditionKind = "solarRadiationForecast"
	ConditionCloudCoverForecast     ConditionKind = "cloudCoverForecast"
	ConditionPriceForecast          ConditionKind = "priceForecast"
	ConditionTimeOfDay              ConditionKind = "timeOfDay"
)

// Forecast returns true for kinds that evaluate a lookahead window instead of
// a single current value.
func (k ConditionKind) Forecast() bool {
	switch k {
	case ConditionSolarRadiationForecast, ConditionCloudCoverForecast, ConditionPriceForecast:
		return true
	}
	return false
}

func (k ConditionKind) valid() bool {
	switch k {
	case ConditionBuyPrice, ConditionFeedInPrice, ConditionStateOfCharge,
		ConditionSolarRadiationForecast, ConditionCloudCoverForecast,
		ConditionPriceForecast, ConditionTimeOfDay:
		return true
	}
	return false
}

// Operator is the comparison applied between the actual value and the
// condition threshold.
type Operator string

const (
	OperatorLess         Operator = "<"
	OperatorLessEqual    Operator = "<="
	OperatorGreater      Operator = ">"
	OperatorGreaterEqual Operator = ">="
	OperatorEqual        Operator = "=="
)

// equalityEpsilon bounds float comparison for the == operator. Thresholds are
// user-entered decimals so exact bit equality would almost never hold.
const equalityEpsilon = 1e-9

// Compare applies the operator to actual vs threshold.
func (o Operator) Compare(actual, threshold float64) bool {
	switch o {
	case OperatorLess:
		return actual < threshold
	case OperatorLessEqual:
		return actual <= threshold
	case OperatorGreater:
		return actual > threshold
	case OperatorGreaterEqual:
		return actual >= threshold
	case OperatorEqual:
		diff := actual - threshold
		if diff < 0 {
			diff = -diff
		}
		return diff <= equalityEpsilon
	}
	return false
}

func (o Operator) valid() bool {
	switch o {
	case OperatorLess, OperatorLessEqual, OperatorGreater, OperatorGreaterEqual, OperatorEqual:
		return true
	}
	return false
}

// LookAheadUnit is the unit of a lookahead window specification.
type LookAheadUnit string

const (
	LookAheadMinutes LookAheadUnit = "minutes"
	LookAheadHours   LookAheadUnit = "hours"
	LookAheadDays    LookAheadUnit = "days"
)

// LookAhead describes how far into the forecast a condition inspects.
type LookAhead struct {
	Amount int           `json:"amount"`
	Unit   LookAheadUnit `json:"unit"`
}

// Duration converts the lookahead specification to a time.Duration.
func (l LookAhead) Duration() time.Duration {
	switch l.Unit {
	case LookAheadMinutes:
		return time.Duration(l.Amount) * time.Minute
	case LookAheadHours:
		return time.Duration(l.Amount) * time.Hour
	case LookAheadDays:
		return time.Duration(l.Amount) * 24 * time.Hour
	}
	return 0
}

// Aggregation reduces a forecast window to a single value before comparison.
type Aggregation string

const (
	AggregationAvg Aggregation = "avg"
	AggregationMin Aggregation = "min"
	AggregationMax Aggregation = "max"
)

// Condition is a single comparison inside a rule. All conditions of a rule are
// AND-combined; there are no OR/NOT combinators.
type Condition struct {
	Kind        ConditionKind `json:"kind"`
	Operator    Operator      `json:"operator"`
	Threshold   float64       `json:"threshold"`
	LookAhead   *LookAhead    `json:"lookAhead,omitempty"`
	Aggregation Aggregation   `json:"aggregation,omitempty"`
}

// Validate checks the condition against the closed kind/operator/unit sets.
func (c Condition) Validate() error {
	if !c.Kind.valid() {
		return fmt.Errorf("unknown condition kind: %s", c.Kind)
	}
	if !c.Operator.valid() {
		return fmt.Errorf("unknown operator: %s", c.Operator)
	}
	if c.Kind.Forecast() {
		if c.LookAhead == nil {
			return fmt.Errorf("condition kind %s requires a lookAhead", c.Kind)
		}
		if c.LookAhead.Amount <= 0 {
			return fmt.Errorf("lookAhead amount must be positive, got %d", c.LookAhead.Amount)
		}
		switch c.LookAhead.Unit {
		case LookAheadMinutes, LookAheadHours, LookAheadDays:
		default:
			return fmt.Errorf("unknown lookAhead unit: %s", c.LookAhead.Unit)
		}
		switch c.Aggregation {
		case "", AggregationAvg, AggregationMin, AggregationMax:
		default:
			return fmt.Errorf("unknown aggregation: %s", c.Aggregation)
		}
	} else if c.LookAhead != nil {
		return fmt.Errorf("condition kind %s does not take a lookAhead", c.Kind)
	}
	return nil
}

// SegmentShape describes how the target power is applied over the segment
// duration. Only flat segments are supported today.
type SegmentShape string

const (
	ShapeFlat SegmentShape = "flat"
)

// RuleAction is what gets applied to the inverter when a rule triggers.
// Positive power discharges the battery, negative power charges it.
type RuleAction struct {
	TargetPowerWatts int          `json:"targetPowerWatts"`
	DurationMinutes  int          `json:"durationMinutes"`
	Shape            SegmentShape `json:"shape,omitempty"`
}

const maxSegmentDurationMinutes = 24 * 60

// AutomationRule is a user-defined, prioritized automation rule. Lower
// priority numbers take precedence.
type AutomationRule struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`
	Priority        int         `json:"priority"`
	CooldownMinutes int         `json:"cooldownMinutes"`
	Conditions      []Condition `json:"conditions"`
	Action          RuleAction  `json:"action"`
	LastTriggeredAt time.Time   `json:"lastTriggeredAt,omitzero"`
}

// CooldownElapsed reports whether the rule is allowed to trigger again at now.
func (r AutomationRule) CooldownElapsed(now time.Time) bool {
	if r.LastTriggeredAt.IsZero() || r.CooldownMinutes <= 0 {
		return true
	}
	return !now.Before(r.LastTriggeredAt.Add(time.Duration(r.CooldownMinutes) * time.Minute))
}

// Validate checks the rule and all its conditions.
func (r AutomationRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Priority < 0 {
		return fmt.Errorf("priority must be >= 0, got %d", r.Priority)
	}
	if r.CooldownMinutes < 0 {
		return fmt.Errorf("cooldownMinutes must be >= 0, got %d", r.CooldownMinutes)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule needs at least one condition")
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	if r.Action.DurationMinutes <= 0 || r.Action.DurationMinutes > maxSegmentDurationMinutes {
		return fmt.Errorf("action durationMinutes must be in (0, %d], got %d", maxSegmentDurationMinutes, r.Action.DurationMinutes)
	}
	if r.Action.Shape != "" && r.Action.Shape != ShapeFlat {
		return fmt.Errorf("unknown segment shape: %s", r.Action.Shape)
	}
	return nil
}
