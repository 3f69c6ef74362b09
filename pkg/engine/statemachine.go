package engine

import (
	"github.com/chargehelm/chargehelm/pkg/types"
)

// DecideTransition picks the transition for one cycle from the persisted
// state and the evaluation winner. Triggered is nil when no rule qualified
// (which includes the master switch being off).
//
// A pending clear always retries before anything else: the device must be
// back in a known-clean state before a new rule may touch it.
func DecideTransition(state types.AutomationState, triggered *types.AutomationRule) types.TransitionKind {
	if state.Phase == types.PhasePendingClear {
		return types.TransitionRetryClear
	}

	switch state.Phase {
	case types.PhaseActive:
		if triggered == nil {
			return types.TransitionCancel
		}
		if triggered.ID == state.ActiveRuleID {
			return types.TransitionContinue
		}
		return types.TransitionPreempt
	default:
		if triggered != nil {
			return types.TransitionTrigger
		}
		return types.TransitionNone
	}
}
