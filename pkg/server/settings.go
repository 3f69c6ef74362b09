package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/types"
)

// getSettingsWithMigration loads the user's settings, applying defaults for
// any versions added since they were stored. Migrated settings are persisted
// back so the migration runs once.
func (s *Server) getSettingsWithMigration(r *http.Request, userID string) (types.Settings, error) {
	ctx := r.Context()
	settings, version, err := s.storage.GetSettings(ctx, userID)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to migrate settings: %w", err)
	}
	if migrated {
		if err := s.storage.SetSettings(ctx, userID, settings, types.CurrentSettingsVersion); err != nil {
			return types.Settings{}, fmt.Errorf("failed to save migrated settings: %w", err)
		}
	}
	return settings, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	settings, err := s.getSettingsWithMigration(r, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	var settings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSONError(w, "invalid settings body", http.StatusBadRequest)
		return
	}
	if err := s.validateSettings(settings); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.storage.SetSettings(ctx, user.ID, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	// Drop the cached controller in case the settings switched drivers.
	s.inverters.Reset(user.ID)

	log.Ctx(ctx).InfoContext(ctx, "settings updated",
		slog.String("inverterProvider", settings.InverterProvider),
		slog.String("priceProvider", settings.PriceProvider),
		slog.String("weatherProvider", settings.WeatherProvider),
	)
	writeJSON(w, settings)
}

func (s *Server) validateSettings(settings types.Settings) error {
	if settings.InverterProvider == "" {
		return fmt.Errorf("inverterProvider is required")
	}
	if _, err := s.prices.Provider(settings.PriceProvider); err != nil {
		return err
	}
	if _, err := s.weather.Provider(settings.WeatherProvider); err != nil {
		return err
	}
	if settings.Latitude < -90 || settings.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90")
	}
	if settings.Longitude < -180 || settings.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180")
	}
	if settings.CycleSeconds < 0 {
		return fmt.Errorf("cycleSeconds must be >= 0")
	}
	return nil
}
