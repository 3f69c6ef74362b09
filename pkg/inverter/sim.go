package inverter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/chargehelm/chargehelm/pkg/storage"
	"github.com/chargehelm/chargehelm/pkg/types"
)

var simDB storage.Database

// ConfigureSim sets the database used by the simulator driver to persist its
// state between restarts.
func ConfigureSim(db storage.Database) {
	simDB = db
}

const (
	simCapacityKWH = 10.0
	simMaxPowerW   = 5000.0
	simBaseLoadW   = 1200.0
)

// Simulator is an in-memory inverter whose battery follows its scheduled
// segment and a simple solar/load curve. It exists for demos and tests.
type Simulator struct {
	mu     sync.Mutex
	userID string
}

func newSimulator() *Simulator {
	return &Simulator{}
}

// ApplySettings picks up the user the simulator state is stored under.
func (s *Simulator) ApplySettings(_ context.Context, settings types.Settings) error {
	s.mu.Lock()
	s.userID = settings.DeviceID
	if s.userID == "" {
		s.userID = "sim"
	}
	s.mu.Unlock()
	return nil
}

// advance steps the simulated battery from state.Timestamp to now. While an
// enabled segment covers the step, the battery follows the segment's target
// power; otherwise it idles against a small solar/load imbalance.
func (s *Simulator) advance(state *types.SimDeviceState, now time.Time) {
	if state.Timestamp.IsZero() {
		state.Timestamp = now
		state.StateOfChargePercent = 50.0
		return
	}

	stepStart := state.Timestamp
	for stepStart.Before(now) {
		stepEnd := stepStart.Add(5 * time.Minute)
		if stepEnd.After(now) {
			stepEnd = now
		}
		hours := stepEnd.Sub(stepStart).Hours()
		if hours <= 0 {
			break
		}

		powerW := s.ambientPowerW(stepStart)
		if seg := state.Segment; seg != nil && seg.Enabled {
			segEnd := seg.StartTime.Add(time.Duration(seg.DurationMinutes) * time.Minute)
			if !stepStart.Before(seg.StartTime) && stepStart.Before(segEnd) {
				powerW = float64(seg.TargetPowerWatts)
			}
		}

		// positive power discharges
		deltaKWH := powerW / 1000.0 * hours
		state.StateOfChargePercent -= deltaKWH / simCapacityKWH * 100.0
		state.StateOfChargePercent = math.Min(100, math.Max(0, state.StateOfChargePercent))

		stepStart = stepEnd
	}
	state.Timestamp = now
}

// ambientPowerW is the battery power outside any segment: discharge into the
// base load at night, absorb a solar bell curve by day.
func (s *Simulator) ambientPowerW(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60.0
	solarW := 0.0
	if hour > 6 && hour < 19 {
		solarW = 3000.0 * math.Sin((hour-6)/13*math.Pi)
	}
	return math.Max(-simMaxPowerW, math.Min(simMaxPowerW, simBaseLoadW-solarW))
}

func (s *Simulator) withState(ctx context.Context, fn func(state *types.SimDeviceState)) (types.SimDeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := simDB.GetSimState(ctx, s.userID)
	if err != nil {
		return types.SimDeviceState{}, err
	}
	s.advance(&state, time.Now())
	fn(&state)
	if err := simDB.UpdateSimState(ctx, s.userID, state); err != nil {
		return types.SimDeviceState{}, err
	}
	return state, nil
}

// GetTelemetry advances the simulation to now and returns the current values.
func (s *Simulator) GetTelemetry(ctx context.Context) (types.LiveTelemetry, error) {
	state, err := s.withState(ctx, func(*types.SimDeviceState) {})
	if err != nil {
		return types.LiveTelemetry{}, err
	}
	return types.LiveTelemetry{
		Timestamp:            state.Timestamp,
		StateOfChargePercent: state.StateOfChargePercent,
	}, nil
}

// ReadSegment returns the scheduled segment, or nil.
func (s *Simulator) ReadSegment(ctx context.Context) (*types.DeviceSegment, error) {
	state, err := s.withState(ctx, func(*types.SimDeviceState) {})
	if err != nil {
		return nil, err
	}
	if state.Segment == nil {
		return nil, nil
	}
	seg := *state.Segment
	return &seg, nil
}

// WriteSegment replaces the scheduled segment.
func (s *Simulator) WriteSegment(ctx context.Context, seg types.DeviceSegment) error {
	_, err := s.withState(ctx, func(state *types.SimDeviceState) {
		state.Segment = &seg
	})
	return err
}

// ClearSegment removes the scheduled segment.
func (s *Simulator) ClearSegment(ctx context.Context) error {
	_, err := s.withState(ctx, func(state *types.SimDeviceState) {
		state.Segment = nil
	})
	return err
}
