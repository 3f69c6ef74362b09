package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chargehelm/chargehelm/pkg/engine"
	"github.com/chargehelm/chargehelm/pkg/inverter"
	"github.com/chargehelm/chargehelm/pkg/source"
	"github.com/chargehelm/chargehelm/pkg/storage"
	"github.com/chargehelm/chargehelm/pkg/storage/storagemock"
	"github.com/chargehelm/chargehelm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubController is a minimal in-memory device for handler tests.
type stubController struct {
	segment *types.DeviceSegment
}

func (c *stubController) GetTelemetry(ctx context.Context) (types.LiveTelemetry, error) {
	return types.LiveTelemetry{Timestamp: time.Now(), StateOfChargePercent: 50}, nil
}

func (c *stubController) ReadSegment(ctx context.Context) (*types.DeviceSegment, error) {
	if c.segment == nil {
		return nil, nil
	}
	seg := *c.segment
	return &seg, nil
}

func (c *stubController) WriteSegment(ctx context.Context, seg types.DeviceSegment) error {
	c.segment = &seg
	return nil
}

func (c *stubController) ClearSegment(ctx context.Context) error {
	c.segment = nil
	return nil
}

func (c *stubController) ApplySettings(ctx context.Context, settings types.Settings) error {
	return nil
}

type stubPriceProvider struct{}

func (stubPriceProvider) GetPriceSeries(ctx context.Context, area string, fees source.PriceFees) (*types.ForecastSeries, *types.ForecastSeries, error) {
	return nil, nil, errors.New("not implemented")
}

type stubWeatherProvider struct{}

func (stubWeatherProvider) GetForecast(ctx context.Context, latitude, longitude float64) (*types.ForecastSeries, *types.ForecastSeries, error) {
	return nil, nil, errors.New("not implemented")
}

func newTestServer(db *storagemock.MockDatabase) (*Server, http.Handler) {
	inv := inverter.NewMap()
	inv.SetController("dev", &stubController{})

	prices := source.NewPriceMap()
	prices.SetProvider("test", stubPriceProvider{})
	weather := source.NewWeatherMap()
	weather.SetProvider("test", stubWeatherProvider{})

	srv := &Server{
		storage:    db,
		engine:     engine.New(db, inv, prices, weather),
		inverters:  inv,
		prices:     prices,
		weather:    weather,
		bypassAuth: true,
	}
	return srv, srv.setupHandler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	var decoded map[string]any
	if ct := w.Header().Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func TestHandleHealthz(t *testing.T) {
	db := &storagemock.MockDatabase{}
	_, handler := newTestServer(db)

	w, _ := doJSON(t, handler, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	db := &storagemock.MockDatabase{}
	srv, _ := newTestServer(db)
	srv.bypassAuth = false
	handler := srv.setupHandler()

	t.Run("missing header", func(t *testing.T) {
		w, _ := doJSON(t, handler, "GET", "/api/rules", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/rules", nil)
		r.Header.Set("Authorization", "Basic abc")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no verifiers configured", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/rules", nil)
		r.Header.Set("Authorization", "Bearer not-a-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleListRules(t *testing.T) {
	db := &storagemock.MockDatabase{}
	_, handler := newTestServer(db)

	t.Run("sorted by priority", func(t *testing.T) {
		db.On("ListRules", mock.Anything, "dev").Return([]types.AutomationRule{
			{ID: "b", Priority: 20},
			{ID: "a", Priority: 10},
		}, nil).Once()

		w, _ := doJSON(t, handler, "GET", "/api/rules", "")
		require.Equal(t, http.StatusOK, w.Code)

		var rules []types.AutomationRule
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rules))
		require.Len(t, rules, 2)
		assert.Equal(t, "a", rules[0].ID)
		assert.Equal(t, "b", rules[1].ID)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		db.On("ListRules", mock.Anything, "dev").Return([]types.AutomationRule(nil), nil).Once()

		w, _ := doJSON(t, handler, "GET", "/api/rules", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
	})
}

func TestHandleCreateRule(t *testing.T) {
	validBody := `{
		"name": "cheap charge",
		"enabled": true,
		"priority": 10,
		"cooldownMinutes": 30,
		"conditions": [{"kind": "buyPrice", "operator": "<", "threshold": 0.2}],
		"action": {"targetPowerWatts": -2000, "durationMinutes": 60}
	}`

	t.Run("assigns id and clears trigger history", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		db.On("UpsertRule", mock.Anything, "dev", mock.MatchedBy(func(r types.AutomationRule) bool {
			return r.ID != "" && r.LastTriggeredAt.IsZero()
		})).Return(nil)

		w, _ := doJSON(t, handler, "POST", "/api/rules", validBody)
		require.Equal(t, http.StatusOK, w.Code)

		var rule types.AutomationRule
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
		assert.NotEmpty(t, rule.ID)
		assert.Equal(t, "cheap charge", rule.Name)
	})

	t.Run("invalid body", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)

		w, _ := doJSON(t, handler, "POST", "/api/rules", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid rule", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)

		w, resp := doJSON(t, handler, "POST", "/api/rules", `{"name": "no conditions"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotEmpty(t, resp["error"])
		db.AssertNotCalled(t, "UpsertRule", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleUpdateRule(t *testing.T) {
	triggeredAt := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	body := `{
		"name": "renamed",
		"enabled": true,
		"priority": 5,
		"conditions": [{"kind": "stateOfCharge", "operator": ">", "threshold": 80}],
		"action": {"targetPowerWatts": 1000, "durationMinutes": 30}
	}`

	t.Run("preserves trigger history", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		db.On("GetRule", mock.Anything, "dev", "r1").Return(types.AutomationRule{
			ID:              "r1",
			LastTriggeredAt: triggeredAt,
		}, nil)
		db.On("UpsertRule", mock.Anything, "dev", mock.MatchedBy(func(r types.AutomationRule) bool {
			return r.ID == "r1" && r.LastTriggeredAt.Equal(triggeredAt) && r.Name == "renamed"
		})).Return(nil)

		w, _ := doJSON(t, handler, "PUT", "/api/rules/r1", body)
		require.Equal(t, http.StatusOK, w.Code)
		db.AssertExpectations(t)
	})

	t.Run("unknown rule", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		db.On("GetRule", mock.Anything, "dev", "missing").Return(types.AutomationRule{}, storage.ErrRuleNotFound)

		w, _ := doJSON(t, handler, "PUT", "/api/rules/missing", body)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleDeleteRule(t *testing.T) {
	t.Run("deletes", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		db.On("GetRule", mock.Anything, "dev", "r1").Return(types.AutomationRule{ID: "r1"}, nil)
		db.On("DeleteRule", mock.Anything, "dev", "r1").Return(nil)

		w, _ := doJSON(t, handler, "DELETE", "/api/rules/r1", "")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("unknown rule", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		db.On("GetRule", mock.Anything, "dev", "missing").Return(types.AutomationRule{}, storage.ErrRuleNotFound)

		w, _ := doJSON(t, handler, "DELETE", "/api/rules/missing", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		db.AssertNotCalled(t, "DeleteRule", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleGetState(t *testing.T) {
	db := &storagemock.MockDatabase{}
	_, handler := newTestServer(db)
	db.On("GetAutomationState", mock.Anything, "dev").Return(types.AutomationState{
		Enabled:              true,
		Phase:                types.PhasePendingClear,
		ActiveRuleID:         "r1",
		ClearFailureAttempts: 3,
	}, nil)

	w, resp := doJSON(t, handler, "GET", "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pendingClear", resp["phase"])
	assert.Equal(t, true, resp["degraded"])
	assert.Equal(t, "r1", resp["activeRuleID"])
}

func TestHandleGetAudit(t *testing.T) {
	t.Run("explicit range", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		db.On("GetAuditHistory", mock.Anything, "dev", start, end).Return([]types.CycleAuditEntry{
			{CycleID: "c1"},
		}, nil)

		w, _ := doJSON(t, handler, "GET", "/api/audit?start=2026-03-01T00:00:00Z&end=2026-03-02T00:00:00Z", "")
		require.Equal(t, http.StatusOK, w.Code)
		db.AssertExpectations(t)
	})

	t.Run("invalid start", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)

		w, _ := doJSON(t, handler, "GET", "/api/audit?start=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("start after end", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)

		w, _ := doJSON(t, handler, "GET", "/api/audit?start=2026-03-02T00:00:00Z&end=2026-03-01T00:00:00Z", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleEnableDisable(t *testing.T) {
	t.Run("disable persists without touching the device", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		db.On("GetAutomationState", mock.Anything, "dev").Return(types.AutomationState{
			Enabled:      true,
			Phase:        types.PhaseActive,
			ActiveRuleID: "r1",
		}, nil)
		db.On("SetAutomationState", mock.Anything, "dev", mock.MatchedBy(func(s types.AutomationState) bool {
			// only the switch changes, the active rule stays until the
			// next cycle clears it
			return !s.Enabled && s.Phase == types.PhaseActive && s.ActiveRuleID == "r1"
		})).Return(nil)

		w, _ := doJSON(t, handler, "POST", "/api/automation/disable", "")
		require.Equal(t, http.StatusOK, w.Code)
		db.AssertExpectations(t)
	})

	t.Run("enable is idempotent", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		db.On("GetAutomationState", mock.Anything, "dev").Return(types.AutomationState{
			Enabled: true,
			Phase:   types.PhaseIdle,
		}, nil)

		w, _ := doJSON(t, handler, "POST", "/api/automation/enable", "")
		require.Equal(t, http.StatusOK, w.Code)
		db.AssertNotCalled(t, "SetAutomationState", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleUpdateSettings(t *testing.T) {
	validBody := `{
		"inverterProvider": "sim",
		"priceProvider": "test",
		"weatherProvider": "test",
		"priceArea": "DE-LU",
		"latitude": 52.52,
		"longitude": 13.405
	}`

	t.Run("saves valid settings", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)
		db.On("SetSettings", mock.Anything, "dev", mock.MatchedBy(func(s types.Settings) bool {
			return s.InverterProvider == "sim" && s.PriceArea == "DE-LU"
		}), types.CurrentSettingsVersion).Return(nil)

		w, _ := doJSON(t, handler, "POST", "/api/settings", validBody)
		require.Equal(t, http.StatusOK, w.Code)
		db.AssertExpectations(t)
	})

	t.Run("unknown price provider", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)

		w, _ := doJSON(t, handler, "POST", "/api/settings", `{
			"inverterProvider": "sim",
			"priceProvider": "nope",
			"weatherProvider": "test"
		}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		db.AssertNotCalled(t, "SetSettings", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("latitude out of range", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		_, handler := newTestServer(db)

		w, _ := doJSON(t, handler, "POST", "/api/settings", `{
			"inverterProvider": "sim",
			"priceProvider": "test",
			"weatherProvider": "test",
			"latitude": 91
		}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleRunCycle(t *testing.T) {
	db := &storagemock.MockDatabase{}
	_, handler := newTestServer(db)
	db.On("GetSettings", mock.Anything, "dev").Return(types.Settings{
		InverterProvider: "sim",
		PriceProvider:    "test",
		WeatherProvider:  "test",
		CycleSeconds:     60,
	}, types.CurrentSettingsVersion, nil)
	db.On("GetAutomationState", mock.Anything, "dev").Return(types.AutomationState{Enabled: true, Phase: types.PhaseIdle}, nil)
	db.On("ListRules", mock.Anything, "dev").Return([]types.AutomationRule{}, nil)
	db.On("SetAutomationState", mock.Anything, "dev", mock.AnythingOfType("types.AutomationState")).Return(nil)
	db.On("InsertAuditEntry", mock.Anything, "dev", mock.AnythingOfType("types.CycleAuditEntry")).Return(nil)

	w, resp := doJSON(t, handler, "POST", "/api/cycle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "none", resp["transition"])
	assert.Equal(t, "idle", resp["phase"])
}

func TestHandleCancel(t *testing.T) {
	db := &storagemock.MockDatabase{}
	_, handler := newTestServer(db)
	db.On("GetSettings", mock.Anything, "dev").Return(types.Settings{
		InverterProvider: "sim",
		PriceProvider:    "test",
		WeatherProvider:  "test",
	}, types.CurrentSettingsVersion, nil)
	db.On("GetAutomationState", mock.Anything, "dev").Return(types.AutomationState{Enabled: true, Phase: types.PhaseIdle}, nil)

	// an idle state has nothing to cancel
	w, resp := doJSON(t, handler, "POST", "/api/automation/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "none", resp["transition"])
}
