package mqtt

import (
	"sync"

	"scanlink/config"
	"scanlink/scanman"
)

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers   map[string]*Publisher
	mu           sync.RWMutex
	writeHandler WriteHandler
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	m.mu.Unlock()

	if handler != nil {
		pub.SetWriteHandler(handler)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts all publishers that are configured as enabled and
// returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishStatus sends the device status to every running publisher.
func (m *Manager) PublishStatus(st scanman.Status) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishStatus(st)
		}
	}
}

// PublishOption sends an option value to every running publisher.
func (m *Manager) PublishOption(ch scanman.OptionChange, force bool) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishOption(ch.Device, ch.Name, ch.Value.Interface(), ch.Info.Inexact, force)
		}
	}
}

// PublishOptions republishes a full option listing, as after a connect.
func (m *Manager) PublishOptions(deviceName string, opts []scanman.OptionChange) {
	for _, ch := range opts {
		ch.Device = deviceName
		m.PublishOption(ch, true)
	}
}

// PublishJob sends a job event to every running publisher.
func (m *Manager) PublishJob(ev scanman.JobEvent) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishJob(ev)
		}
	}
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

// SetWriteHandler sets the option write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}
