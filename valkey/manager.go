package valkey

import (
	"sync"

	"scanlink/config"
	"scanlink/scanman"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex

	writeHandler      func(option string, value interface{}) error
	onConnectCallback func()
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, namespace string) {
	for i := range configs {
		m.Add(&configs[i], namespace)
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig, namespace string) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, namespace)
	pub.SetWriteHandler(m.writeHandler)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			} else {
				debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
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

// PublishStatus stores the status on all running publishers.
func (m *Manager) PublishStatus(st scanman.Status) {
	for _, pub := range m.List() {
		if err := pub.PublishStatus(st); err != nil {
			debugLog("Valkey %s status: %v", pub.Name(), err)
		}
	}
}

// PublishOption stores an option value on all running publishers.
func (m *Manager) PublishOption(ch scanman.OptionChange) {
	for _, pub := range m.List() {
		if err := pub.PublishOption(ch); err != nil {
			debugLog("Valkey %s option %s: %v", pub.Name(), ch.Name, err)
		}
	}
}

// PublishJob records a job event on all running publishers.
func (m *Manager) PublishJob(ev scanman.JobEvent) {
	for _, pub := range m.List() {
		if err := pub.PublishJob(ev); err != nil {
			debugLog("Valkey %s job %s: %v", pub.Name(), ev.Job.ID, err)
		}
	}
}

// SetWriteHandler sets the option write handler for all publishers.
func (m *Manager) SetWriteHandler(handler func(option string, value interface{}) error) {
	m.mu.Lock()
	m.writeHandler = handler
	pubs := append([]*Publisher(nil), m.publishers...)
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetWriteHandler(handler)
	}
}

// SetOnConnectCallback sets the callback run after each publisher connects.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	m.onConnectCallback = callback
	pubs := append([]*Publisher(nil), m.publishers...)
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetOnConnectCallback(callback)
	}
}
