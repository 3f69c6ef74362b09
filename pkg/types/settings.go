package types

import "fmt"

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings is the per-user dynamic configuration stored in the database.
// These can be changed without redeploying.
type Settings struct {
	// DryRun skips device writes, logging the decision instead.
	DryRun bool `json:"dryRun"`

	// Provider selection
	InverterProvider string `json:"inverterProvider"`
	PriceProvider    string `json:"priceProvider"`
	WeatherProvider  string `json:"weatherProvider"`

	// DeviceID identifies the controlled inverter at the vendor cloud.
	DeviceID string `json:"deviceID"`

	// Site location, used for the weather forecast.
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Bidding-zone or market area for the spot-price provider.
	PriceArea string `json:"priceArea"`

	// FeedInOffsetDollarsPerKWH is subtracted from the spot price to derive
	// the feed-in channel.
	FeedInOffsetDollarsPerKWH float64 `json:"feedInOffsetDollarsPerKWH"`
	// AdditionalFeesDollarsPerKWH is added to the spot price to derive the
	// buy channel.
	AdditionalFeesDollarsPerKWH float64 `json:"additionalFeesDollarsPerKWH"`

	// CycleSeconds overrides the automation tick interval for this user.
	CycleSeconds int `json:"cycleSeconds"`
}

// MigrateSettings migrates the settings to the current version. It returns the
// migrated settings, a boolean indicating if changes were made, and an error
// if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial defaults
			if s.CycleSeconds == 0 {
				s.CycleSeconds = 60
				migrated = true
			}
			if s.InverterProvider == "" {
				s.InverterProvider = "sim"
				migrated = true
			}
		case 2:
			// version 2: default providers
			if s.PriceProvider == "" {
				s.PriceProvider = "awattar"
				migrated = true
			}
			if s.WeatherProvider == "" {
				s.WeatherProvider = "openmeteo"
				migrated = true
			}
		case 3:
			// version 3: default price area
			if s.PriceArea == "" {
				s.PriceArea = "DE-LU"
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
