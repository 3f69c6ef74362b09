package inverter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chargehelm/chargehelm/pkg/storage/storagemock"
	"github.com/chargehelm/chargehelm/pkg/types"
)

func TestSimulatorAdvance(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	s := newSimulator()

	t.Run("initializes fresh state", func(t *testing.T) {
		state := types.SimDeviceState{}
		s.advance(&state, now)
		assert.Equal(t, now, state.Timestamp)
		assert.InDelta(t, 50.0, state.StateOfChargePercent, 1e-9)
	})

	t.Run("charging segment raises soc", func(t *testing.T) {
		state := types.SimDeviceState{
			Timestamp:            now.Add(-time.Hour),
			StateOfChargePercent: 50.0,
			Segment: &types.DeviceSegment{
				StartTime:        now.Add(-time.Hour),
				DurationMinutes:  120,
				TargetPowerWatts: -2000,
				Enabled:          true,
			},
		}
		s.advance(&state, now)
		// one hour at 2kW into a 10kWh battery is 20 points
		assert.InDelta(t, 70.0, state.StateOfChargePercent, 0.01)
		assert.Equal(t, now, state.Timestamp)
	})

	t.Run("night base load drains without a segment", func(t *testing.T) {
		state := types.SimDeviceState{
			Timestamp:            now.Add(-time.Hour),
			StateOfChargePercent: 50.0,
		}
		s.advance(&state, now)
		// 2am has no solar, so the base load discharges the battery
		assert.Less(t, state.StateOfChargePercent, 50.0)
	})

	t.Run("soc is clamped", func(t *testing.T) {
		state := types.SimDeviceState{
			Timestamp:            now.Add(-10 * time.Hour),
			StateOfChargePercent: 95.0,
			Segment: &types.DeviceSegment{
				StartTime:        now.Add(-10 * time.Hour),
				DurationMinutes:  10 * 60,
				TargetPowerWatts: -5000,
				Enabled:          true,
			},
		}
		s.advance(&state, now)
		assert.InDelta(t, 100.0, state.StateOfChargePercent, 1e-9)
	})
}

func TestSimulatorSegmentRoundTrip(t *testing.T) {
	db := &storagemock.MockDatabase{}
	prev := simDB
	ConfigureSim(db)
	t.Cleanup(func() { simDB = prev })

	s := newSimulator()
	require.NoError(t, s.ApplySettings(context.Background(), types.Settings{DeviceID: "u1"}))

	var stored types.SimDeviceState
	db.On("GetSimState", mock.Anything, "u1").Return(types.SimDeviceState{}, nil)
	db.On("UpdateSimState", mock.Anything, "u1", mock.AnythingOfType("types.SimDeviceState")).
		Run(func(args mock.Arguments) {
			stored = args.Get(2).(types.SimDeviceState)
		}).
		Return(nil)

	seg := types.DeviceSegment{
		StartTime:        time.Now().Truncate(time.Minute),
		DurationMinutes:  60,
		TargetPowerWatts: -2000,
		Enabled:          true,
	}
	require.NoError(t, s.WriteSegment(context.Background(), seg))
	require.NotNil(t, stored.Segment)
	assert.Equal(t, -2000, stored.Segment.TargetPowerWatts)

	require.NoError(t, s.ClearSegment(context.Background()))
	assert.Nil(t, stored.Segment)
}
