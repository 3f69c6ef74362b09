package types

import "time"

// AutomationPhase is the verification state of the active rule's segment on
// the physical device.
type AutomationPhase string

const (
	// PhaseIdle means no automation-owned segment is on the device.
	PhaseIdle AutomationPhase = "idle"
	// PhaseActive means the active rule's segment is applied and verified.
	PhaseActive AutomationPhase = "active"
	// PhasePendingClear means a clear was attempted but not verified; a retry
	// is owed before any new segment may be applied.
	PhasePendingClear AutomationPhase = "pendingClear"
)

// MaxClearFailureAlertThreshold is the number of consecutive failed clears
// after which the state is surfaced as degraded for alerting.
const MaxClearFailureAlertThreshold = 3

// AutomationState is the per-user singleton tracking the automation engine
// across cycles. It is written only by the cycle orchestrator; everything
// else reads it.
type AutomationState struct {
	// Enabled is the master switch. When off, no new rules trigger but a
	// previously active rule is still cleared.
	Enabled bool `json:"enabled"`

	Phase          AutomationPhase `json:"phase"`
	ActiveRuleID   string          `json:"activeRuleID,omitempty"`
	ActiveRuleName string          `json:"activeRuleName,omitempty"`
	ActiveSince    time.Time       `json:"activeSince,omitzero"`

	// ClearFailureAttempts counts consecutive failed clear verifications while
	// in PhasePendingClear. Reset to zero on a verified clear.
	ClearFailureAttempts int `json:"clearFailureAttempts,omitempty"`

	LastCycleAt time.Time `json:"lastCycleAt,omitzero"`
}

// Degraded reports whether the clear-failure counter has crossed the alerting
// threshold.
func (s AutomationState) Degraded() bool {
	return s.ClearFailureAttempts >= MaxClearFailureAlertThreshold
}

// DeviceSegment is one scheduled block on the physical inverter. The
// automation engine owns at most one segment at a time.
type DeviceSegment struct {
	StartTime        time.Time `json:"startTime"`
	DurationMinutes  int       `json:"durationMinutes"`
	TargetPowerWatts int       `json:"targetPowerWatts"`
	Enabled          bool      `json:"enabled"`
}

// Equal compares two segments the way verification does: start times are
// compared at minute precision because devices commonly round them.
func (s DeviceSegment) Equal(o DeviceSegment) bool {
	return s.StartTime.Truncate(time.Minute).Equal(o.StartTime.Truncate(time.Minute)) &&
		s.DurationMinutes == o.DurationMinutes &&
		s.TargetPowerWatts == o.TargetPowerWatts &&
		s.Enabled == o.Enabled
}

// LiveTelemetry is a point-in-time reading from the inverter.
type LiveTelemetry struct {
	Timestamp            time.Time `json:"timestamp"`
	StateOfChargePercent float64   `json:"stateOfChargePercent"`
	BatteryWatts         float64   `json:"batteryWatts"` // positive discharging, negative charging
}
