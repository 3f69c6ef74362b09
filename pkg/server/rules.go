package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/storage"
	"github.com/chargehelm/chargehelm/pkg/types"
)

func newRuleID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// handleListRules returns all of the user's rules in priority order.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	rules, err := s.storage.ListRules(ctx, user.ID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list rules", slog.Any("error", err))
		writeJSONError(w, "failed to list rules", http.StatusInternalServerError)
		return
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	if rules == nil {
		rules = []types.AutomationRule{}
	}
	writeJSON(w, rules)
}

// handleCreateRule validates and stores a new rule. The server assigns the ID
// and ignores any client-supplied trigger history.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	var rule types.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSONError(w, "invalid rule body", http.StatusBadRequest)
		return
	}
	rule.ID = newRuleID()
	rule.LastTriggeredAt = time.Time{}
	if err := rule.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.storage.UpsertRule(ctx, user.ID, rule); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create rule", slog.Any("error", err))
		writeJSONError(w, "failed to create rule", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "rule created", slog.String("ruleID", rule.ID), slog.String("name", rule.Name))
	writeJSON(w, rule)
}

// handleUpdateRule replaces an existing rule. The trigger history of the
// stored rule is preserved so an edit cannot reset a cooldown.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	ruleID := r.PathValue("id")

	existing, err := s.storage.GetRule(ctx, user.ID, ruleID)
	if err != nil {
		if errors.Is(err, storage.ErrRuleNotFound) {
			writeJSONError(w, "rule not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to get rule", slog.Any("error", err))
		writeJSONError(w, "failed to get rule", http.StatusInternalServerError)
		return
	}

	var rule types.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSONError(w, "invalid rule body", http.StatusBadRequest)
		return
	}
	rule.ID = ruleID
	rule.LastTriggeredAt = existing.LastTriggeredAt
	if err := rule.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.storage.UpsertRule(ctx, user.ID, rule); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to update rule", slog.Any("error", err))
		writeJSONError(w, "failed to update rule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rule)
}

// handleDeleteRule removes a rule. Deleting the currently active rule is
// allowed; the next cycle cancels its segment because no rule with that ID
// qualifies anymore.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	ruleID := r.PathValue("id")

	if _, err := s.storage.GetRule(ctx, user.ID, ruleID); err != nil {
		if errors.Is(err, storage.ErrRuleNotFound) {
			writeJSONError(w, "rule not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to get rule", slog.Any("error", err))
		writeJSONError(w, "failed to get rule", http.StatusInternalServerError)
		return
	}

	if err := s.storage.DeleteRule(ctx, user.ID, ruleID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete rule", slog.Any("error", err))
		writeJSONError(w, "failed to delete rule", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "rule deleted", slog.String("ruleID", ruleID))
	w.WriteHeader(http.StatusNoContent)
}
