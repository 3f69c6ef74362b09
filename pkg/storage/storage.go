package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chargehelm/chargehelm/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrRuleNotFound = errors.New("rule not found")
)

// Database defines the interface for persisting data and retrieving settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, userID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, userID string, settings types.Settings, version int) error

	// Rules
	ListRules(ctx context.Context, userID string) ([]types.AutomationRule, error)
	GetRule(ctx context.Context, userID, ruleID string) (types.AutomationRule, error)
	UpsertRule(ctx context.Context, userID string, rule types.AutomationRule) error
	DeleteRule(ctx context.Context, userID, ruleID string) error

	// Automation state
	GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error)
	SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error

	// Audit log
	InsertAuditEntry(ctx context.Context, userID string, entry types.CycleAuditEntry) error
	GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.CycleAuditEntry, error)

	// Simulated device
	GetSimState(ctx context.Context, userID string) (types.SimDeviceState, error)
	UpdateSimState(ctx context.Context, userID string, state types.SimDeviceState) error

	// Users
	GetUser(ctx context.Context, userID string) (types.User, error)
	CreateUser(ctx context.Context, user types.User) error
	UpdateUser(ctx context.Context, user types.User) error
	ListUsers(ctx context.Context) ([]types.User, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
