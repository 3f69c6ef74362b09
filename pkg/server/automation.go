package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chargehelm/chargehelm/pkg/engine"
	"github.com/chargehelm/chargehelm/pkg/log"
)

// handleRunCycle runs one automation cycle for the authenticated user and
// returns its audit entry.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	entry, err := s.engine.RunCycle(ctx, user.ID)
	if err != nil {
		if errors.Is(err, engine.ErrCycleInProgress) {
			writeJSONError(w, "cycle already in progress", http.StatusConflict)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
		writeJSONError(w, "cycle failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entry)
}

// handleGetState returns the user's automation state.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	state, err := s.storage.GetAutomationState(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get automation state", slog.Any("error", err))
		writeJSONError(w, "failed to get state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Enabled              bool      `json:"enabled"`
		Phase                string    `json:"phase"`
		ActiveRuleID         string    `json:"activeRuleID,omitempty"`
		ActiveRuleName       string    `json:"activeRuleName,omitempty"`
		ActiveSince          time.Time `json:"activeSince,omitzero"`
		ClearFailureAttempts int       `json:"clearFailureAttempts,omitempty"`
		Degraded             bool      `json:"degraded"`
		LastCycleAt          time.Time `json:"lastCycleAt,omitzero"`
	}{
		Enabled:              state.Enabled,
		Phase:                string(state.Phase),
		ActiveRuleID:         state.ActiveRuleID,
		ActiveRuleName:       state.ActiveRuleName,
		ActiveSince:          state.ActiveSince,
		ClearFailureAttempts: state.ClearFailureAttempts,
		Degraded:             state.Degraded(),
		LastCycleAt:          state.LastCycleAt,
	})
}

// handleGetAudit returns the cycle audit entries in the requested time range,
// defaulting to the last 24 hours.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid start time", http.StatusBadRequest)
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid end time", http.StatusBadRequest)
			return
		}
		end = t
	}
	if !start.Before(end) {
		writeJSONError(w, "start must be before end", http.StatusBadRequest)
		return
	}

	entries, err := s.storage.GetAuditHistory(ctx, user.ID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get audit history", slog.Any("error", err))
		writeJSONError(w, "failed to get audit history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// setEnabled flips the master switch. Disabling never touches the device
// directly; the next cycle cancels any active rule through the verified path.
func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ctx := r.Context()
	user := s.getUser(r)

	state, err := s.storage.GetAutomationState(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get automation state", slog.Any("error", err))
		writeJSONError(w, "failed to get state", http.StatusInternalServerError)
		return
	}
	if state.Enabled == enabled {
		writeJSON(w, state)
		return
	}
	state.Enabled = enabled
	if err := s.storage.SetAutomationState(ctx, user.ID, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save automation state", slog.Any("error", err))
		writeJSONError(w, "failed to save state", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "master switch changed", slog.Bool("enabled", enabled))
	writeJSON(w, state)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

// handleCancel clears the active rule's segment immediately through the
// verified reconcile path.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	entry, err := s.engine.CancelActive(ctx, user.ID)
	if err != nil {
		if errors.Is(err, engine.ErrCycleInProgress) {
			writeJSONError(w, "cycle already in progress", http.StatusConflict)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "cancel failed", slog.Any("error", err))
		writeJSONError(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entry)
}
