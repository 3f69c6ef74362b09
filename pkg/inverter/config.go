package inverter

import (
	"context"
	"fmt"
	"sync"

	"github.com/chargehelm/chargehelm/pkg/types"
)

// Configured sets up the inverter provider map and registers flags for the
// drivers it knows about.
func Configured() *Map {
	m := NewMap()
	m.RegisterDriver("deye", configuredDeye())
	m.RegisterDriver("sim", func() Controller { return newSimulator() })
	return m
}

// Map manages one Controller per user, created lazily from the driver named
// in the user's settings.
type Map struct {
	mu          sync.Mutex
	drivers     map[string]func() Controller
	controllers map[string]Controller
}

// NewMap creates a new inverter Map.
func NewMap() *Map {
	return &Map{
		drivers:     make(map[string]func() Controller),
		controllers: make(map[string]Controller),
	}
}

// RegisterDriver registers a constructor for the named driver.
func (m *Map) RegisterDriver(name string, create func() Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[name] = create
}

// Device returns the controller for the given user, creating it from the
// settings' driver on first use and re-applying settings on every call.
func (m *Map) Device(ctx context.Context, userID string, settings types.Settings) (Controller, error) {
	m.mu.Lock()
	ctrl, ok := m.controllers[userID]
	if !ok {
		create, known := m.drivers[settings.InverterProvider]
		if !known {
			m.mu.Unlock()
			return nil, fmt.Errorf("unknown inverter provider: %s", settings.InverterProvider)
		}
		ctrl = create()
		m.controllers[userID] = ctrl
	}
	m.mu.Unlock()

	if err := ctrl.ApplySettings(ctx, settings); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// Reset drops the cached controller for a user so the next Device call
// recreates it, e.g. after the settings switch drivers.
func (m *Map) Reset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.controllers, userID)
}

// SetController sets the controller for a specific user. This is primarily
// used for testing.
func (m *Map) SetController(userID string, ctrl Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers[userID] = ctrl
}
