package main

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/storage"
	"github.com/chargehelm/chargehelm/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const seedUserID = "dev"

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	db := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	if err := db.CreateUser(ctx, types.User{ID: seedUserID, Email: "dev@example.com"}); err != nil {
		// user may already exist from an earlier run
		log.Ctx(ctx).WarnContext(ctx, "failed to create user", "error", err)
	}

	settings := types.Settings{
		InverterProvider:            "sim",
		PriceProvider:               "awattar",
		WeatherProvider:             "openmeteo",
		DeviceID:                    "sim-1",
		Latitude:                    52.52,
		Longitude:                   13.405,
		PriceArea:                   "DE-LU",
		FeedInOffsetDollarsPerKWH:   0.01,
		AdditionalFeesDollarsPerKWH: 0.18,
		CycleSeconds:                60,
	}
	if err := db.SetSettings(ctx, seedUserID, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
		os.Exit(1)
	}

	rules := []types.AutomationRule{
		{
			ID:              "cheap-night-charge",
			Name:            "Charge when power is cheap",
			Enabled:         true,
			Priority:        10,
			CooldownMinutes: 120,
			Conditions: []types.Condition{
				{Kind: types.ConditionBuyPrice, Operator: types.OperatorLess, Threshold: 0.20},
				{Kind: types.ConditionStateOfCharge, Operator: types.OperatorLess, Threshold: 80},
			},
			Action: types.RuleAction{TargetPowerWatts: -3000, DurationMinutes: 60, Shape: types.ShapeFlat},
		},
		{
			ID:              "evening-peak-discharge",
			Name:            "Discharge into the evening peak",
			Enabled:         true,
			Priority:        20,
			CooldownMinutes: 180,
			Conditions: []types.Condition{
				{Kind: types.ConditionBuyPrice, Operator: types.OperatorGreater, Threshold: 0.35},
				{Kind: types.ConditionStateOfCharge, Operator: types.OperatorGreater, Threshold: 30},
			},
			Action: types.RuleAction{TargetPowerWatts: 2500, DurationMinutes: 90, Shape: types.ShapeFlat},
		},
		{
			ID:              "sunny-morning-hold",
			Name:            "Hold charge before a sunny forecast",
			Enabled:         true,
			Priority:        30,
			CooldownMinutes: 360,
			Conditions: []types.Condition{
				{
					Kind:        types.ConditionSolarRadiationForecast,
					Operator:    types.OperatorGreater,
					Threshold:   400,
					LookAhead:   &types.LookAhead{Amount: 4, Unit: types.LookAheadHours},
					Aggregation: types.AggregationAvg,
				},
			},
			Action: types.RuleAction{TargetPowerWatts: 0, DurationMinutes: 120, Shape: types.ShapeFlat},
		},
	}
	for _, r := range rules {
		if err := db.UpsertRule(ctx, seedUserID, r); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed rule", "ruleID", r.ID, "error", err)
			os.Exit(1)
		}
	}

	if err := db.SetAutomationState(ctx, seedUserID, types.AutomationState{
		Enabled: true,
		Phase:   types.PhaseIdle,
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed automation state", "error", err)
		os.Exit(1)
	}

	// A day of plausible cycle history, one entry per five minutes.
	now := time.Now().Truncate(time.Minute)
	start := now.Add(-24 * time.Hour)
	for t := start; t.Before(now); t = t.Add(5 * time.Minute) {
		hour := t.Hour()
		price := 0.25 + (rng.Float64()*0.04 - 0.02)
		if hour >= 17 && hour < 21 {
			price += 0.15
		} else if hour >= 1 && hour < 5 {
			price -= 0.10
		}

		transition := types.TransitionNone
		selected := ""
		if hour >= 2 && hour < 3 && t.Minute() == 0 {
			transition = types.TransitionTrigger
			selected = "cheap-night-charge"
		} else if hour >= 2 && hour < 3 {
			transition = types.TransitionContinue
			selected = "cheap-night-charge"
		} else if hour == 3 && t.Minute() == 0 {
			transition = types.TransitionCancel
		}

		entry := types.CycleAuditEntry{
			CycleID:        t.Format("20060102T1504"),
			UserID:         seedUserID,
			Timestamp:      t,
			Transition:     transition,
			SelectedRuleID: selected,
			Phase:          types.PhaseIdle,
			DurationMillis: int64(50 + rng.Intn(400)),
			Results: []types.RuleResult{
				{
					RuleID:   "cheap-night-charge",
					RuleName: "Charge when power is cheap",
					Priority: 10,
					Enabled:  true,
					Met:      selected == "cheap-night-charge",
					Conditions: []types.ConditionResult{
						{
							Kind:      types.ConditionBuyPrice,
							Operator:  types.OperatorLess,
							Threshold: 0.20,
							Actual:    price,
							HasActual: true,
							Met:       price < 0.20,
						},
					},
				},
			},
		}
		if transition != types.TransitionNone && transition != types.TransitionCancel {
			entry.Phase = types.PhaseActive
		}
		if err := db.InsertAuditEntry(ctx, seedUserID, entry); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed audit entry", "error", err)
			os.Exit(1)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding complete", "userID", seedUserID)
}
