package storagemock

import (
	"context"
	"time"

	"github.com/chargehelm/chargehelm/pkg/storage"
	"github.com/chargehelm/chargehelm/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, userID string) (types.Settings, int, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, userID string, settings types.Settings, version int) error {
	args := m.Called(ctx, userID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) ListRules(ctx context.Context, userID string) ([]types.AutomationRule, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).([]types.AutomationRule), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetRule(ctx context.Context, userID, ruleID string) (types.AutomationRule, error) {
	args := m.Called(ctx, userID, ruleID)
	if len(args) > 0 {
		return args.Get(0).(types.AutomationRule), args.Error(1)
	}
	return types.AutomationRule{}, nil
}

func (m *MockDatabase) UpsertRule(ctx context.Context, userID string, rule types.AutomationRule) error {
	args := m.Called(ctx, userID, rule)
	return args.Error(0)
}

func (m *MockDatabase) DeleteRule(ctx context.Context, userID, ruleID string) error {
	args := m.Called(ctx, userID, ruleID)
	return args.Error(0)
}

func (m *MockDatabase) GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.AutomationState), args.Error(1)
	}
	return types.AutomationState{}, nil
}

func (m *MockDatabase) SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error {
	args := m.Called(ctx, userID, state)
	return args.Error(0)
}

func (m *MockDatabase) InsertAuditEntry(ctx context.Context, userID string, entry types.CycleAuditEntry) error {
	args := m.Called(ctx, userID, entry)
	return args.Error(0)
}

func (m *MockDatabase) GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.CycleAuditEntry, error) {
	args := m.Called(ctx, userID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.CycleAuditEntry), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetSimState(ctx context.Context, userID string) (types.SimDeviceState, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.SimDeviceState), args.Error(1)
	}
	return types.SimDeviceState{}, nil
}

func (m *MockDatabase) UpdateSimState(ctx context.Context, userID string, state types.SimDeviceState) error {
	args := m.Called(ctx, userID, state)
	return args.Error(0)
}

func (m *MockDatabase) GetUser(ctx context.Context, userID string) (types.User, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.User), args.Error(1)
	}
	return types.User{}, nil
}

func (m *MockDatabase) CreateUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) UpdateUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) ListUsers(ctx context.Context) ([]types.User, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.User), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
