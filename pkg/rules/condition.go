package rules

import (
	"fmt"
	"time"

	"github.com/chargehelm/chargehelm/pkg/forecast"
	"github.com/chargehelm/chargehelm/pkg/types"
)

// Inputs is the data snapshot one cycle evaluates against. A nil series or
// telemetry pointer means the source was unavailable this cycle.
type Inputs struct {
	Telemetry      *types.LiveTelemetry
	BuyPrices      *types.ForecastSeries
	FeedInPrices   *types.ForecastSeries
	SolarRadiation *types.ForecastSeries
	CloudCover     *types.ForecastSeries
	Now            time.Time

	// ActiveRuleID names the rule currently holding the device segment, if
	// any. Cooldown bounds when a rule may trigger again, not how long it
	// stays active, so this rule is exempt from the cooldown gate.
	ActiveRuleID string
}

// evaluateCondition evaluates one condition against the inputs. Missing data
// never triggers: the condition evaluates not-met and the result records the
// absence, distinct from a value that was present but failed the comparison.
func evaluateCondition(cond types.Condition, in Inputs) types.ConditionResult {
	res := types.ConditionResult{
		Kind:      cond.Kind,
		Operator:  cond.Operator,
		Threshold: cond.Threshold,
	}

	if cond.Kind.Forecast() {
		series := forecastSeriesFor(cond.Kind, in)
		if series.Empty() {
			res.DataUnavailable = true
			res.Detail = "forecast series unavailable"
			return res
		}
		if cond.LookAhead == nil {
			res.Detail = "missing lookahead"
			return res
		}
		w, err := forecast.ResolveWindow(series, in.Now, *cond.LookAhead)
		if err != nil {
			res.DataUnavailable = true
			res.Detail = err.Error()
			return res
		}
		actual, err := w.Aggregate(cond.Aggregation)
		if err != nil {
			res.DataUnavailable = true
			res.Detail = err.Error()
			return res
		}
		res.Actual = actual
		res.HasActual = true
		res.WindowPoints = len(w.Points)
		res.WindowComplete = w.Complete
		res.Met = cond.Operator.Compare(actual, cond.Threshold)
		if !w.Complete {
			res.Detail = "partial forecast window"
		}
		return res
	}

	actual, ok, detail := instantaneousValue(cond.Kind, in)
	if !ok {
		res.DataUnavailable = true
		res.Detail = detail
		return res
	}
	res.Actual = actual
	res.HasActual = true
	res.Met = cond.Operator.Compare(actual, cond.Threshold)
	return res
}

func forecastSeriesFor(kind types.ConditionKind, in Inputs) *types.ForecastSeries {
	switch kind {
	case types.ConditionSolarRadiationForecast:
		return in.SolarRadiation
	case types.ConditionCloudCoverForecast:
		return in.CloudCover
	case types.ConditionPriceForecast:
		return in.BuyPrices
	}
	return nil
}

func instantaneousValue(kind types.ConditionKind, in Inputs) (float64, bool, string) {
	switch kind {
	case types.ConditionStateOfCharge:
		if in.Telemetry == nil {
			return 0, false, "live telemetry unavailable"
		}
		return in.Telemetry.StateOfChargePercent, true, ""
	case types.ConditionBuyPrice:
		return currentSeriesValue(in.BuyPrices, in.Now, "buy price")
	case types.ConditionFeedInPrice:
		return currentSeriesValue(in.FeedInPrices, in.Now, "feed-in price")
	case types.ConditionTimeOfDay:
		// Hours since midnight as a decimal, compared in local time.
		h := float64(in.Now.Hour()) + float64(in.Now.Minute())/60.0
		return h, true, ""
	}
	return 0, false, fmt.Sprintf("unknown condition kind: %s", kind)
}

func currentSeriesValue(series *types.ForecastSeries, now time.Time, name string) (float64, bool, string) {
	if series.Empty() {
		return 0, false, name + " series unavailable"
	}
	v, ok := series.ValueAt(now)
	if !ok {
		return 0, false, fmt.Sprintf("no %s period covers %s", name, now.Format(time.RFC3339))
	}
	return v, true, ""
}
