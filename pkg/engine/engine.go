// Package engine runs the automation cycle: gather data, evaluate rules,
// transition the per-user state machine, and reconcile the device.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chargehelm/chargehelm/pkg/datacache"
	"github.com/chargehelm/chargehelm/pkg/inverter"
	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/retry"
	"github.com/chargehelm/chargehelm/pkg/rules"
	"github.com/chargehelm/chargehelm/pkg/source"
	"github.com/chargehelm/chargehelm/pkg/storage"
	"github.com/chargehelm/chargehelm/pkg/types"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"
)

// ErrCycleInProgress is returned when a cycle for the same user is already
// running. Cycles for one user never overlap.
var ErrCycleInProgress = errors.New("cycle already in progress for user")

type priceSeries struct {
	Buy    *types.ForecastSeries
	FeedIn *types.ForecastSeries
}

type weatherSeries struct {
	Solar *types.ForecastSeries
	Cloud *types.ForecastSeries
}

// Engine orchestrates automation cycles. One Engine serves all users; all
// per-user state lives in storage.
type Engine struct {
	db         storage.Database
	inverters  *inverter.Map
	prices     *source.PriceMap
	weather    *source.WeatherMap
	reconciler *inverter.Reconciler

	telemetryCache *datacache.Cache[types.LiveTelemetry]
	priceCache     *datacache.Cache[priceSeries]
	weatherCache   *datacache.Cache[weatherSeries]

	telemetryTTL time.Duration
	priceTTL     time.Duration
	weatherTTL   time.Duration
	cycleTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]bool

	// now is replaceable for tests.
	now func() time.Time
}

// Configured sets up the Engine based on flags.
func Configured(db storage.Database, inverters *inverter.Map, prices *source.PriceMap, weather *source.WeatherMap) *Engine {
	telemetryTTL := lflag.Duration("engine-telemetry-ttl", 5*time.Minute, "How long to cache inverter telemetry")
	priceTTL := lflag.Duration("engine-price-ttl", time.Minute, "How long to cache spot prices")
	weatherTTL := lflag.Duration("engine-weather-ttl", 30*time.Minute, "How long to cache the weather forecast")
	cacheGrace := lflag.Duration("engine-cache-grace", time.Hour, "How long expired cache entries remain usable when a fetch fails")
	cycleTimeout := lflag.Duration("engine-cycle-timeout", 45*time.Second, "Deadline for one automation cycle")

	e := New(db, inverters, prices, weather)

	lflag.Do(func() {
		e.telemetryTTL = *telemetryTTL
		e.priceTTL = *priceTTL
		e.weatherTTL = *weatherTTL
		e.cycleTimeout = *cycleTimeout
		e.telemetryCache = datacache.New[types.LiveTelemetry](*cacheGrace)
		e.priceCache = datacache.New[priceSeries](*cacheGrace)
		e.weatherCache = datacache.New[weatherSeries](*cacheGrace)
	})

	return e
}

// New creates an Engine with default timings. Configured is preferred outside
// of tests.
func New(db storage.Database, inverters *inverter.Map, prices *source.PriceMap, weather *source.WeatherMap) *Engine {
	return &Engine{
		db:             db,
		inverters:      inverters,
		prices:         prices,
		weather:        weather,
		reconciler:     inverter.NewReconciler(retry.DefaultPolicy, 0),
		telemetryCache: datacache.New[types.LiveTelemetry](time.Hour),
		priceCache:     datacache.New[priceSeries](time.Hour),
		weatherCache:   datacache.New[weatherSeries](time.Hour),
		telemetryTTL:   5 * time.Minute,
		priceTTL:       time.Minute,
		weatherTTL:     30 * time.Minute,
		cycleTimeout:   45 * time.Second,
		inflight:       make(map[string]bool),
		now:            time.Now,
	}
}

// SetReconciler replaces the device reconciler. This is primarily used for
// testing.
func (e *Engine) SetReconciler(r *inverter.Reconciler) {
	e.reconciler = r
}

func newCycleID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// rand.Read only fails when the OS entropy source is broken
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// RunCycle executes one automation cycle for the user. Cycles for the same
// user never overlap; a second concurrent call returns ErrCycleInProgress.
// The returned audit entry is also persisted.
func (e *Engine) RunCycle(ctx context.Context, userID string) (types.CycleAuditEntry, error) {
	e.mu.Lock()
	if e.inflight == nil {
		e.inflight = make(map[string]bool)
	}
	if e.inflight[userID] {
		e.mu.Unlock()
		return types.CycleAuditEntry{}, fmt.Errorf("%w: %s", ErrCycleInProgress, userID)
	}
	e.inflight[userID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, userID)
		e.mu.Unlock()
	}()

	started := e.now()
	cycleID := newCycleID()

	ctx, cancel := context.WithTimeout(ctx, e.cycleTimeout)
	defer cancel()

	ctx = log.WithUser(ctx, userID)
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("cycleID", cycleID)))
	log.Ctx(ctx).DebugContext(ctx, "cycle started")

	entry := types.CycleAuditEntry{
		CycleID:   cycleID,
		UserID:    userID,
		Timestamp: started,
	}

	state, err := e.runCycle(ctx, userID, started, &entry)
	entry.Phase = state.Phase
	entry.ClearFailures = state.ClearFailureAttempts
	entry.Degraded = state.Degraded()
	entry.DurationMillis = e.now().Sub(started).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
	}

	// The audit trail is best effort: a failed append must not undo an
	// already-persisted transition.
	if auditErr := e.db.InsertAuditEntry(ctx, userID, entry); auditErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist audit entry", slog.Any("error", auditErr))
	}

	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
		return entry, err
	}
	log.Ctx(ctx).InfoContext(ctx, "cycle finished",
		slog.String("transition", string(entry.Transition)),
		slog.String("phase", string(entry.Phase)),
		slog.Int64("durationMillis", entry.DurationMillis),
	)
	return entry, nil
}

// CancelActive clears the active rule's segment on demand, outside the
// normal cycle cadence. The clear goes through the same verified reconcile
// path as a cycle cancel and is recorded in the audit log.
func (e *Engine) CancelActive(ctx context.Context, userID string) (types.CycleAuditEntry, error) {
	e.mu.Lock()
	if e.inflight == nil {
		e.inflight = make(map[string]bool)
	}
	if e.inflight[userID] {
		e.mu.Unlock()
		return types.CycleAuditEntry{}, fmt.Errorf("%w: %s", ErrCycleInProgress, userID)
	}
	e.inflight[userID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, userID)
		e.mu.Unlock()
	}()

	started := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.cycleTimeout)
	defer cancel()

	entry := types.CycleAuditEntry{
		CycleID:   newCycleID(),
		UserID:    userID,
		Timestamp: started,
	}

	settings, version, err := e.db.GetSettings(ctx, userID)
	if err != nil {
		return entry, fmt.Errorf("failed to get settings: %w", err)
	}
	settings, _, err = types.MigrateSettings(settings, version)
	if err != nil {
		return entry, fmt.Errorf("failed to migrate settings: %w", err)
	}
	ctrl, err := e.inverters.Device(ctx, userID, settings)
	if err != nil {
		return entry, fmt.Errorf("failed to get inverter: %w", err)
	}
	state, err := e.db.GetAutomationState(ctx, userID)
	if err != nil {
		return entry, fmt.Errorf("failed to get automation state: %w", err)
	}

	if state.Phase == types.PhaseIdle {
		entry.Transition = types.TransitionNone
		entry.Phase = state.Phase
		return entry, nil
	}

	entry.Transition = types.TransitionCancel
	state, err = e.applyTransition(ctx, userID, ctrl, settings, state, types.TransitionCancel, nil, started)
	state.LastCycleAt = started
	if persistErr := e.db.SetAutomationState(ctx, userID, state); persistErr != nil && err == nil {
		err = fmt.Errorf("failed to persist automation state: %w", persistErr)
	}

	entry.Phase = state.Phase
	entry.ClearFailures = state.ClearFailureAttempts
	entry.Degraded = state.Degraded()
	entry.DurationMillis = e.now().Sub(started).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
	}
	if auditErr := e.db.InsertAuditEntry(ctx, userID, entry); auditErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist audit entry", slog.Any("error", auditErr))
	}
	return entry, err
}

// runCycle is the body of one cycle. It returns the state as persisted so the
// caller can finish the audit entry.
func (e *Engine) runCycle(ctx context.Context, userID string, now time.Time, entry *types.CycleAuditEntry) (types.AutomationState, error) {
	// 1. Settings, migrated if stored at an older version.
	settings, version, err := e.db.GetSettings(ctx, userID)
	if err != nil {
		return types.AutomationState{}, fmt.Errorf("failed to get settings: %w", err)
	}
	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.AutomationState{}, fmt.Errorf("failed to migrate settings: %w", err)
	}
	if migrated {
		if err := e.db.SetSettings(ctx, userID, settings, types.CurrentSettingsVersion); err != nil {
			return types.AutomationState{}, fmt.Errorf("failed to save migrated settings: %w", err)
		}
	}

	ctrl, err := e.inverters.Device(ctx, userID, settings)
	if err != nil {
		return types.AutomationState{}, fmt.Errorf("failed to get inverter: %w", err)
	}

	state, err := e.db.GetAutomationState(ctx, userID)
	if err != nil {
		return state, fmt.Errorf("failed to get automation state: %w", err)
	}

	// 2. Adopt a segment left behind by a previous run. An idle state with a
	// segment on the device means a crash lost a transition; the segment is
	// ours, so clear it before evaluating anything.
	if state.Phase == types.PhaseIdle {
		if seg, err := ctrl.ReadSegment(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to read device segment for orphan check", slog.Any("error", err))
		} else if seg != nil && seg.Enabled {
			log.Ctx(ctx).WarnContext(ctx, "adopting orphaned device segment",
				slog.Time("startTime", seg.StartTime),
				slog.Int("targetPowerWatts", seg.TargetPowerWatts),
			)
			state.Phase = types.PhasePendingClear
		}
	}

	// 3. Gather inputs in parallel. A failed source is recorded as missing
	// data, not a failed cycle: rules referencing it will not trigger.
	in := e.gatherInputs(ctx, userID, settings, ctrl, now)
	in.ActiveRuleID = state.ActiveRuleID

	// 4. Evaluate rules.
	ruleSet, err := e.db.ListRules(ctx, userID)
	if err != nil {
		return state, fmt.Errorf("failed to list rules: %w", err)
	}
	outcome := rules.EvaluateAll(ctx, ruleSet, in)
	entry.Results = outcome.Results

	triggered := outcome.Triggered
	if !state.Enabled {
		// The master switch stops new triggers but an active segment is
		// still cleared through the normal cancel path.
		triggered = nil
	}

	transition := DecideTransition(state, triggered)
	entry.Transition = transition
	if triggered != nil && transition != types.TransitionNone && transition != types.TransitionCancel {
		entry.SelectedRuleID = triggered.ID
	}

	state, err = e.applyTransition(ctx, userID, ctrl, settings, state, transition, triggered, now)

	// 5. State is persisted synchronously every cycle, even after a failed
	// transition, so restarts resume from what actually happened.
	state.LastCycleAt = now
	if persistErr := e.db.SetAutomationState(ctx, userID, state); persistErr != nil {
		if err == nil {
			err = fmt.Errorf("failed to persist automation state: %w", persistErr)
		} else {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist automation state", slog.Any("error", persistErr))
		}
	}
	return state, err
}

// gatherInputs fetches telemetry, prices, and weather through their caches in
// parallel. Every source failure is logged and surfaced as a nil input.
func (e *Engine) gatherInputs(ctx context.Context, userID string, settings types.Settings, ctrl inverter.Controller, now time.Time) rules.Inputs {
	in := rules.Inputs{Now: now}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := e.telemetryCache.Get(gctx, userID, e.telemetryTTL, func(ctx context.Context) (types.LiveTelemetry, error) {
			return ctrl.GetTelemetry(ctx)
		})
		if err != nil {
			log.Ctx(gctx).WarnContext(gctx, "telemetry unavailable", slog.Any("error", err))
			return nil
		}
		t := res.Value
		in.Telemetry = &t
		return nil
	})

	g.Go(func() error {
		provider, err := e.prices.Provider(settings.PriceProvider)
		if err != nil {
			log.Ctx(gctx).WarnContext(gctx, "price provider unavailable", slog.Any("error", err))
			return nil
		}
		fees := source.PriceFees{
			AdditionalDollarsPerKWH:   settings.AdditionalFeesDollarsPerKWH,
			FeedInOffsetDollarsPerKWH: settings.FeedInOffsetDollarsPerKWH,
		}
		key := fmt.Sprintf("%s/%s/%.4f/%.4f", settings.PriceProvider, settings.PriceArea, fees.AdditionalDollarsPerKWH, fees.FeedInOffsetDollarsPerKWH)
		res, err := e.priceCache.Get(gctx, key, e.priceTTL, func(ctx context.Context) (priceSeries, error) {
			buy, feedIn, err := provider.GetPriceSeries(ctx, settings.PriceArea, fees)
			if err != nil {
				return priceSeries{}, err
			}
			return priceSeries{Buy: buy, FeedIn: feedIn}, nil
		})
		if err != nil {
			log.Ctx(gctx).WarnContext(gctx, "prices unavailable", slog.Any("error", err))
			return nil
		}
		in.BuyPrices = res.Value.Buy
		in.FeedInPrices = res.Value.FeedIn
		return nil
	})

	g.Go(func() error {
		provider, err := e.weather.Provider(settings.WeatherProvider)
		if err != nil {
			log.Ctx(gctx).WarnContext(gctx, "weather provider unavailable", slog.Any("error", err))
			return nil
		}
		key := fmt.Sprintf("%s/%.4f/%.4f", settings.WeatherProvider, settings.Latitude, settings.Longitude)
		res, err := e.weatherCache.Get(gctx, key, e.weatherTTL, func(ctx context.Context) (weatherSeries, error) {
			solar, cloud, err := provider.GetForecast(ctx, settings.Latitude, settings.Longitude)
			if err != nil {
				return weatherSeries{}, err
			}
			return weatherSeries{Solar: solar, Cloud: cloud}, nil
		})
		if err != nil {
			log.Ctx(gctx).WarnContext(gctx, "weather unavailable", slog.Any("error", err))
			return nil
		}
		in.SolarRadiation = res.Value.Solar
		in.CloudCover = res.Value.Cloud
		return nil
	})

	// The goroutines never return errors; failures become missing inputs.
	_ = g.Wait()
	return in
}

// applyTransition performs the device work for the chosen transition and
// returns the resulting state. A failed apply leaves the state unchanged; a
// failed clear moves to (or stays in) the pending-clear phase.
func (e *Engine) applyTransition(
	ctx context.Context,
	userID string,
	ctrl inverter.Controller,
	settings types.Settings,
	state types.AutomationState,
	transition types.TransitionKind,
	triggered *types.AutomationRule,
	now time.Time,
) (types.AutomationState, error) {
	switch transition {
	case types.TransitionNone:
		return state, nil

	case types.TransitionTrigger, types.TransitionPreempt:
		seg := segmentForRule(*triggered, now)
		if settings.DryRun {
			log.Ctx(ctx).InfoContext(ctx, "dry run, skipping segment write",
				slog.String("ruleID", triggered.ID),
				slog.String("ruleName", triggered.Name),
				slog.Int("targetPowerWatts", seg.TargetPowerWatts),
				slog.Int("durationMinutes", seg.DurationMinutes),
			)
			return state, nil
		}
		if transition == types.TransitionPreempt {
			// The previous rule's segment must be verifiably gone before the
			// new one goes on; writing over an unconfirmed segment risks the
			// device holding both.
			if err := e.reconciler.ClearSegment(ctx, ctrl); err != nil {
				state.Phase = types.PhasePendingClear
				state.ClearFailureAttempts++
				return state, fmt.Errorf("failed to clear segment before preempt: %w", err)
			}
			// The clear is verified, so the old rule is no longer on the
			// device. Drop it from the state now: if the apply below fails,
			// the persisted state must say idle rather than claim a segment
			// the device no longer holds.
			state.Phase = types.PhaseIdle
			state.ActiveRuleID = ""
			state.ActiveRuleName = ""
			state.ActiveSince = time.Time{}
			state.ClearFailureAttempts = 0
		}
		return e.activateRule(ctx, userID, ctrl, state, triggered, now)

	case types.TransitionContinue:
		// The rule still qualifies. If its segment has run out on the device,
		// lay down a fresh one; otherwise there is nothing to write.
		end := state.ActiveSince.Add(time.Duration(triggered.Action.DurationMinutes) * time.Minute)
		if now.Before(end) {
			return state, nil
		}
		if settings.DryRun {
			log.Ctx(ctx).InfoContext(ctx, "dry run, skipping segment renewal", slog.String("ruleID", triggered.ID))
			return state, nil
		}
		seg := segmentForRule(*triggered, now)
		if err := e.reconciler.ApplySegment(ctx, ctrl, seg); err != nil {
			return state, fmt.Errorf("failed to renew segment for rule %s: %w", triggered.ID, err)
		}
		state.ActiveSince = now
		return state, nil

	case types.TransitionCancel, types.TransitionRetryClear:
		if settings.DryRun {
			log.Ctx(ctx).InfoContext(ctx, "dry run, skipping segment clear")
			return state, nil
		}
		if err := e.reconciler.ClearSegment(ctx, ctrl); err != nil {
			state.Phase = types.PhasePendingClear
			state.ClearFailureAttempts++
			if state.Degraded() {
				log.Ctx(ctx).ErrorContext(ctx, "segment clear failing repeatedly, device needs attention",
					slog.Int("attempts", state.ClearFailureAttempts),
					slog.Any("error", err),
				)
			}
			return state, fmt.Errorf("failed to clear segment: %w", err)
		}
		state.Phase = types.PhaseIdle
		state.ActiveRuleID = ""
		state.ActiveRuleName = ""
		state.ActiveSince = time.Time{}
		state.ClearFailureAttempts = 0

		// With the owed clear verified, a qualifying rule may take over in
		// the same cycle.
		if transition == types.TransitionRetryClear && triggered != nil {
			return e.activateRule(ctx, userID, ctrl, state, triggered, now)
		}
		return state, nil

	default:
		return state, fmt.Errorf("unknown transition: %s", transition)
	}
}

// activateRule writes the rule's segment through the verified reconcile path
// and marks the rule active. Called only after any prior segment is cleared.
func (e *Engine) activateRule(
	ctx context.Context,
	userID string,
	ctrl inverter.Controller,
	state types.AutomationState,
	triggered *types.AutomationRule,
	now time.Time,
) (types.AutomationState, error) {
	seg := segmentForRule(*triggered, now)
	if err := e.reconciler.ApplySegment(ctx, ctrl, seg); err != nil {
		return state, fmt.Errorf("failed to apply segment for rule %s: %w", triggered.ID, err)
	}
	state.Phase = types.PhaseActive
	state.ActiveRuleID = triggered.ID
	state.ActiveRuleName = triggered.Name
	state.ActiveSince = now
	state.ClearFailureAttempts = 0

	triggered.LastTriggeredAt = now
	if err := e.db.UpsertRule(ctx, userID, *triggered); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record rule trigger time", slog.Any("error", err))
	}
	return state, nil
}

func segmentForRule(rule types.AutomationRule, now time.Time) types.DeviceSegment {
	return types.DeviceSegment{
		StartTime:        now.Truncate(time.Minute),
		DurationMinutes:  rule.Action.DurationMinutes,
		TargetPowerWatts: rule.Action.TargetPowerWatts,
		Enabled:          true,
	}
}
