package types

import "time"

// CurrentAuditVersion is the version stamped onto stored audit entries.
const CurrentAuditVersion = 1

// TransitionKind is the state-machine transition a cycle applied.
type TransitionKind string

const (
	// TransitionNone means the cycle made no change (idle and nothing
	// triggered).
	TransitionNone TransitionKind = "none"
	// TransitionTrigger activated a rule from idle.
	TransitionTrigger TransitionKind = "trigger"
	// TransitionContinue kept the same rule active with no device write.
	TransitionContinue TransitionKind = "continue"
	// TransitionPreempt replaced the active rule with a higher-priority one.
	TransitionPreempt TransitionKind = "preempt"
	// TransitionCancel cleared the active rule's segment.
	TransitionCancel TransitionKind = "cancel"
	// TransitionRetryClear retried a previously failed clear.
	TransitionRetryClear TransitionKind = "retryClear"
)

// ConditionResult records the evaluation of one condition for the audit log.
// DataUnavailable distinguishes "the source was missing" from "the value was
// present but failed the comparison".
type ConditionResult struct {
	Kind            ConditionKind `json:"kind"`
	Operator        Operator      `json:"operator"`
	Threshold       float64       `json:"threshold"`
	Met             bool          `json:"met"`
	Actual          float64       `json:"actual"`
	HasActual       bool          `json:"hasActual"`
	DataUnavailable bool          `json:"dataUnavailable,omitempty"`
	WindowPoints    int           `json:"windowPoints,omitempty"`
	WindowComplete  bool          `json:"windowComplete,omitempty"`
	Detail          string        `json:"detail,omitempty"`
}

// RuleResult records the evaluation of one rule within a cycle.
type RuleResult struct {
	RuleID         string            `json:"ruleID"`
	RuleName       string            `json:"ruleName"`
	Priority       int               `json:"priority"`
	Enabled        bool              `json:"enabled"`
	CooldownActive bool              `json:"cooldownActive,omitempty"`
	Met            bool              `json:"met"`
	Conditions     []ConditionResult `json:"conditions,omitempty"`
}

// CycleAuditEntry is the append-only record of one automation cycle.
type CycleAuditEntry struct {
	CycleID        string          `json:"cycleID"`
	UserID         string          `json:"userID"`
	Timestamp      time.Time       `json:"timestamp"`
	Results        []RuleResult    `json:"results,omitempty"`
	SelectedRuleID string          `json:"selectedRuleID,omitempty"`
	Transition     TransitionKind  `json:"transition"`
	Phase          AutomationPhase `json:"phase"`
	ClearFailures  int             `json:"clearFailures,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
	DurationMillis int64           `json:"durationMillis"`
	Error          string          `json:"error,omitempty"`
}
