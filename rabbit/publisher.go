// Package rabbit publishes scan job and option events to a RabbitMQ topic
// exchange.
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"scanlink/config"
	"scanlink/logging"
	"scanlink/namespace"
	"scanlink/scanman"
)

// DefaultExchange is used when the config names none.
const DefaultExchange = "scanlink"

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("amqp", format, args...)
}

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// JobMessage is the body of job event messages.
type JobMessage struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Job       scanman.JobInfo `json:"job"`
	Bytes     int64           `json:"bytes,omitempty"`
}

// OptionMessage is the body of option change messages.
type OptionMessage struct {
	Namespace string      `json:"namespace"`
	Device    string      `json:"device"`
	Option    string      `json:"option"`
	Value     interface{} `json:"value"`
	Inexact   bool        `json:"inexact,omitempty"`
}

// Publisher owns one broker connection.
type Publisher struct {
	config    *config.AMQPConfig
	namespace string

	mu      sync.RWMutex
	conn    *amqp.Connection
	ch      channel
	running bool
}

// NewPublisher creates a publisher for cfg.
func NewPublisher(cfg *config.AMQPConfig, namespace string) *Publisher {
	return &Publisher{config: cfg, namespace: namespace}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Exchange returns the exchange name.
func (p *Publisher) Exchange() string {
	if p.config.Exchange == "" {
		return DefaultExchange
	}
	return p.config.Exchange
}

// JobRoutingKey is <namespace>.job.<event>, e.g. scanlink.job.scan-done.
func (p *Publisher) JobRoutingKey(event string) string {
	return namespace.New(p.namespace, "").AMQPJobKey(event)
}

// OptionRoutingKey is <namespace>.option.<name>.
func (p *Publisher) OptionRoutingKey(option string) string {
	return namespace.New(p.namespace, "").AMQPOptionKey(option)
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start dials the broker and declares the durable topic exchange.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.Exchange(), // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp exchange %s: %w", p.Exchange(), err)
	}

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.running = true
	p.mu.Unlock()

	debugLog("AMQP %s connected, exchange=%s", p.config.Name, p.Exchange())
	return nil
}

// Stop closes the channel and connection.
func (p *Publisher) Stop() {
	p.mu.Lock()
	ch, conn := p.ch, p.conn
	p.ch, p.conn = nil, nil
	p.running = false
	p.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

func (p *Publisher) publish(key string, v interface{}) error {
	p.mu.RLock()
	ch := p.ch
	running := p.running
	p.mu.RUnlock()
	if !running || ch == nil {
		return nil
	}

	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(ctx,
		p.Exchange(), // exchange
		key,          // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// PublishJob publishes a job event.
func (p *Publisher) PublishJob(ev scanman.JobEvent) error {
	return p.publish(p.JobRoutingKey(ev.Type), JobMessage{
		Namespace: p.namespace,
		Event:     ev.Type,
		Job:       ev.Job,
		Bytes:     ev.Bytes,
	})
}

// PublishOption publishes an option change.
func (p *Publisher) PublishOption(ch scanman.OptionChange) error {
	return p.publish(p.OptionRoutingKey(ch.Name), OptionMessage{
		Namespace: p.namespace,
		Device:    ch.Device,
		Option:    ch.Name,
		Value:     ch.Value.Interface(),
		Inexact:   ch.Info.Inexact,
	})
}

// Manager fans events out to several publishers.
type Manager struct {
	mu         sync.RWMutex
	publishers []*Publisher
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.AMQPConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range cfgs {
		m.publishers = append(m.publishers, NewPublisher(&cfgs[i], namespace))
	}
}

// List returns the publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Publisher(nil), m.publishers...)
}

// Get returns the publisher with the given name, or nil.
func (m *Manager) Get(name string) *Publisher {
	for _, p := range m.List() {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// StartAll starts every enabled publisher and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, p := range m.List() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Start(); err != nil {
			debugLog("AMQP %s failed to start: %v", p.Name(), err)
			continue
		}
		started++
	}
	return started
}

// StopAll stops every publisher.
func (m *Manager) StopAll() {
	for _, p := range m.List() {
		p.Stop()
	}
}

// PublishJob sends a job event to all running publishers. Progress events
// are not forwarded.
func (m *Manager) PublishJob(ev scanman.JobEvent) {
	if ev.Type == scanman.EventScanProgress {
		return
	}
	for _, p := range m.List() {
		if err := p.PublishJob(ev); err != nil {
			debugLog("AMQP %s job %s: %v", p.Name(), ev.Job.ID, err)
		}
	}
}

// PublishOption sends an option change to all running publishers.
func (m *Manager) PublishOption(ch scanman.OptionChange) {
	for _, p := range m.List() {
		if err := p.PublishOption(ch); err != nil {
			debugLog("AMQP %s option %s: %v", p.Name(), ch.Name, err)
		}
	}
}
