package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Each user document owns subcollections for rules, automation
// state, the cycle audit log, and simulator state. Payloads are stored as
// JSON strings in a "json" field for portability across schema changes.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(userID, name string) (*firestore.CollectionRef, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	return f.client.Collection("users").Doc(userID).Collection(name), nil
}

// unmarshalDoc decodes the "json" field of a document into v.
func unmarshalDoc(doc *firestore.DocumentSnapshot, v interface{}) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document. A missing document returns zero settings and version 0 so callers
// can seed defaults through migration.
func (f *FirestoreProvider) GetSettings(ctx context.Context, userID string) (types.Settings, int, error) {
	coll, err := f.getCollection(userID, "config")
	if err != nil {
		return types.Settings{}, 0, err
	}
	doc, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := unmarshalDoc(doc, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.String("userID", userID), slog.Any("err", err))
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings"
// document.
func (f *FirestoreProvider) SetSettings(ctx context.Context, userID string, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	coll, err := f.getCollection(userID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// ListRules retrieves all automation rules for a user.
func (f *FirestoreProvider) ListRules(ctx context.Context, userID string) ([]types.AutomationRule, error) {
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return nil, err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	var rules []types.AutomationRule
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating rules: %w", err)
		}

		var r types.AutomationRule
		if err := unmarshalDoc(doc, &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed rule doc", slog.String("ruleID", doc.Ref.ID), slog.String("userID", userID), slog.Any("err", err))
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// GetRule retrieves a single automation rule by ID.
func (f *FirestoreProvider) GetRule(ctx context.Context, userID, ruleID string) (types.AutomationRule, error) {
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return types.AutomationRule{}, err
	}
	doc, err := coll.Doc(ruleID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.AutomationRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
		}
		return types.AutomationRule{}, fmt.Errorf("failed to get rule %s: %w", ruleID, err)
	}

	var r types.AutomationRule
	if err := unmarshalDoc(doc, &r); err != nil {
		return types.AutomationRule{}, err
	}
	return r, nil
}

// UpsertRule creates or replaces an automation rule. The document ID is the
// rule ID.
func (f *FirestoreProvider) UpsertRule(ctx context.Context, userID string, rule types.AutomationRule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	jsonBytes, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return err
	}
	_, err = coll.Doc(rule.ID).Set(ctx, map[string]interface{}{
		"json":     string(jsonBytes),
		"priority": rule.Priority,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes an automation rule.
func (f *FirestoreProvider) DeleteRule(ctx context.Context, userID, ruleID string) error {
	coll, err := f.getCollection(userID, "rules")
	if err != nil {
		return err
	}
	if _, err := coll.Doc(ruleID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}
	return nil
}

// GetAutomationState retrieves the per-user automation state from the
// "automation/state" document. A missing document returns the zero state.
func (f *FirestoreProvider) GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error) {
	coll, err := f.getCollection(userID, "automation")
	if err != nil {
		return types.AutomationState{}, err
	}
	doc, err := coll.Doc("state").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.AutomationState{Phase: types.PhaseIdle}, nil
		}
		return types.AutomationState{}, fmt.Errorf("failed to fetch automation state: %w", err)
	}

	var s types.AutomationState
	if err := unmarshalDoc(doc, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode automation state", slog.String("userID", userID), slog.Any("err", err))
		return types.AutomationState{}, err
	}
	if s.Phase == "" {
		s.Phase = types.PhaseIdle
	}
	return s, nil
}

// SetAutomationState saves the per-user automation state. Callers must persist
// the state before acting on it so a crash never loses a transition.
func (f *FirestoreProvider) SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal automation state: %w", err)
	}

	coll, err := f.getCollection(userID, "automation")
	if err != nil {
		return err
	}
	_, err = coll.Doc("state").Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save automation state: %w", err)
	}
	return nil
}

// InsertAuditEntry adds a cycle audit record to the "audit_log" collection as
// a JSON blob. The document ID is the RFC3339 timestamp for efficient range
// queries.
func (f *FirestoreProvider) InsertAuditEntry(ctx context.Context, userID string, entry types.CycleAuditEntry) error {
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	coll, err := f.getCollection(userID, "audit_log")
	if err != nil {
		return err
	}
	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := entry.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": entry.Timestamp,
		"version":   types.CurrentAuditVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetAuditHistory retrieves audit records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all
// documents.
func (f *FirestoreProvider) GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.CycleAuditEntry, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(userID, "audit_log")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.CycleAuditEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating audit entries: %w", err)
		}

		var e types.CycleAuditEntry
		if err := unmarshalDoc(doc, &e); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to decode audit entry", slog.String("docID", doc.Ref.ID), slog.String("userID", userID), slog.Any("err", err))
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetSimState retrieves the simulated device state from the "sim/state"
// document. A missing document returns the zero state so the simulator can
// initialize itself.
func (f *FirestoreProvider) GetSimState(ctx context.Context, userID string) (types.SimDeviceState, error) {
	coll, err := f.getCollection(userID, "sim")
	if err != nil {
		return types.SimDeviceState{}, err
	}
	doc, err := coll.Doc("state").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.SimDeviceState{}, nil
		}
		return types.SimDeviceState{}, fmt.Errorf("failed to fetch sim state: %w", err)
	}

	var s types.SimDeviceState
	if err := unmarshalDoc(doc, &s); err != nil {
		return types.SimDeviceState{}, err
	}
	return s, nil
}

// UpdateSimState saves the simulated device state.
func (f *FirestoreProvider) UpdateSimState(ctx context.Context, userID string, state types.SimDeviceState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal sim state: %w", err)
	}

	coll, err := f.getCollection(userID, "sim")
	if err != nil {
		return err
	}
	_, err = coll.Doc("state").Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save sim state: %w", err)
	}
	return nil
}

// GetUser retrieves a user from the "users" collection.
func (f *FirestoreProvider) GetUser(ctx context.Context, userID string) (types.User, error) {
	doc, err := f.client.Collection("users").Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}

	var user types.User
	if err := unmarshalDoc(doc, &user); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode user", slog.String("userID", userID), slog.Any("err", err))
		return types.User{}, err
	}
	return user, nil
}

// CreateUser creates a new user document in the "users" collection.
func (f *FirestoreProvider) CreateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Create(ctx, map[string]interface{}{
		"json": string(userJSON),
	})
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

// UpdateUser updates an existing user document in the "users" collection.
func (f *FirestoreProvider) UpdateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Set(ctx, map[string]interface{}{
		"json": string(userJSON),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", user.ID, err)
	}
	return nil
}

// ListUsers retrieves all users from the "users" collection.
func (f *FirestoreProvider) ListUsers(ctx context.Context) ([]types.User, error) {
	iter := f.client.Collection("users").Documents(ctx)
	defer iter.Stop()

	var users []types.User
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating users: %w", err)
		}

		var u types.User
		if err := unmarshalDoc(doc, &u); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed user doc", slog.String("userID", doc.Ref.ID), slog.Any("err", err))
			// Skip malformed documents
			continue
		}
		users = append(users, u)
	}
	return users, nil
}
