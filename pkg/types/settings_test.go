package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 60, s.CycleSeconds)
		assert.Equal(t, "sim", s.InverterProvider)
	})

	t.Run("v1 to v2: default providers", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{CycleSeconds: 30, InverterProvider: "deye"}, 1)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, "awattar", s.PriceProvider)
		assert.Equal(t, "openmeteo", s.WeatherProvider)
		// existing values survive
		assert.Equal(t, 30, s.CycleSeconds)
		assert.Equal(t, "deye", s.InverterProvider)
	})

	t.Run("v2 to v3: default price area", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{PriceProvider: "awattar"}, 2)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, "DE-LU", s.PriceArea)
	})

	t.Run("explicit area is not overwritten", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{PriceArea: "AT"}, 2)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, "AT", s.PriceArea)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Settings{
			InverterProvider: "deye",
			PriceProvider:    "awattar",
			WeatherProvider:  "openmeteo",
			PriceArea:        "DE-LU",
			CycleSeconds:     60,
		}
		s, changed, err := MigrateSettings(current, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, s)
	})
}
