package source

import (
	"fmt"
	"sync"
)

// Configured sets up the price and weather provider maps based on flags.
func Configured() (*PriceMap, *WeatherMap) {
	p := NewPriceMap()
	p.SetProvider("awattar", configuredAwattar())

	w := NewWeatherMap()
	w.SetProvider("openmeteo", configuredOpenMeteo())

	return p, w
}

// PriceMap manages multiple price providers.
type PriceMap struct {
	mu        sync.Mutex
	providers map[string]PriceProvider
}

// NewPriceMap creates a new PriceMap.
func NewPriceMap() *PriceMap {
	return &PriceMap{providers: make(map[string]PriceProvider)}
}

// Provider returns the price provider for the given name.
func (m *PriceMap) Provider(name string) (PriceProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown price provider: %s", name)
}

// SetProvider sets the provider for the given name. This is primarily used for testing.
func (m *PriceMap) SetProvider(name string, p PriceProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = p
}

// WeatherMap manages multiple weather providers.
type WeatherMap struct {
	mu        sync.Mutex
	providers map[string]WeatherProvider
}

// NewWeatherMap creates a new WeatherMap.
func NewWeatherMap() *WeatherMap {
	return &WeatherMap{providers: make(map[string]WeatherProvider)}
}

// Provider returns the weather provider for the given name.
func (m *WeatherMap) Provider(name string) (WeatherProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown weather provider: %s", name)
}

// SetProvider sets the provider for the given name. This is primarily used for testing.
func (m *WeatherMap) SetProvider(name string, p WeatherProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = p
}
