package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"scanlink/logging"
	"scanlink/scanman"
)

// JobMessage is the record value for job events, keyed by job ID.
type JobMessage struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Job       scanman.JobInfo `json:"job"`
	Bytes     int64           `json:"bytes,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// OptionMessage is the record value for option changes, keyed by option name.
type OptionMessage struct {
	Namespace string      `json:"namespace"`
	Device    string      `json:"device"`
	Option    string      `json:"option"`
	Value     interface{} `json:"value"`
	Inexact   bool        `json:"inexact,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
}

// Manager manages multiple Kafka producer connections and the write-back
// consumers of clusters that enable it.
type Manager struct {
	namespace    string
	producers    map[string]*Producer
	consumers    map[string]*Consumer
	writeHandler WriteHandler
	mu           sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
// One worker keeps records of a job in order.
const MaxPublishWorkers = 1

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 500

// NewManager creates a new Kafka manager.
func NewManager(namespace string) *Manager {
	m := &Manager{
		namespace:    namespace,
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	stop := m.stopChan
	queue := m.publishQueue
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(stop, queue)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload); err != nil {
				logKafka("Failed to publish to %s: %v", job.topic, err)
			}
			cancel()
		}
	}
}

// AddCluster adds a cluster. Existing names are left untouched.
func (m *Manager) AddCluster(config *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[config.Name]; exists {
		return
	}
	producer := NewProducer(config)
	m.producers[config.Name] = producer
	if config.EnableWriteback {
		consumer := NewConsumer(config, m.namespace, producer)
		consumer.SetWriteHandler(m.writeHandler)
		m.consumers[config.Name] = consumer
	}
}

// RemoveCluster removes a cluster and disconnects it.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	_, exists := m.producers[name]
	m.mu.Unlock()

	if exists {
		m.Disconnect(name)
	}

	m.mu.Lock()
	delete(m.producers, name)
	delete(m.consumers, name)
	m.mu.Unlock()
}

// GetConsumer returns the write-back consumer of a cluster, or nil.
func (m *Manager) GetConsumer(name string) *Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consumers[name]
}

// SetWriteHandler sets the option write handler for all consumers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.Unlock()

	for _, c := range consumers {
		c.SetWriteHandler(handler)
	}
}

// GetProducer returns the producer for a cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns the cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) list() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	return out
}

// Connect connects a cluster by name.
func (m *Manager) Connect(name string) error {
	producer := m.GetProducer(name)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	if err := producer.Connect(); err != nil {
		return err
	}
	m.startConsumer(name)
	return nil
}

// Disconnect stops the consumer of a cluster and disconnects its producer.
func (m *Manager) Disconnect(name string) {
	if c := m.GetConsumer(name); c != nil {
		c.Stop()
	}
	if p := m.GetProducer(name); p != nil {
		p.Disconnect()
	}
}

func (m *Manager) startConsumer(name string) {
	c := m.GetConsumer(name)
	if c == nil {
		return
	}
	if err := c.Start(); err != nil {
		logKafka("Failed to start consumer for %s: %v", name, err)
	}
}

// ConnectEnabled connects every enabled cluster and returns how many connected.
func (m *Manager) ConnectEnabled() int {
	connected := 0
	for _, p := range m.list() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			logKafka("Failed to connect %s: %v", p.config.Name, err)
			continue
		}
		m.startConsumer(p.config.Name)
		connected++
	}
	return connected
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStop := m.stopChan
	m.stopChan = make(chan struct{})
	m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
	m.started = false
	m.mu.Unlock()

	if wasStarted {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, p := range m.list() {
		m.Disconnect(p.config.Name)
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	producer := m.GetProducer(name)
	if producer == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return producer.GetStatus(), producer.GetError()
}

// LoadFromConfigs loads multiple cluster configurations.
func (m *Manager) LoadFromConfigs(configs []Config) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// enqueue queues a record for every connected cluster. topicOf picks the
// topic from the cluster config.
func (m *Manager) enqueue(topicOf func(*Config) string, key []byte, v interface{}) int {
	payload, err := json.Marshal(v)
	if err != nil {
		logKafka("JSON marshal error: %v", err)
		return 0
	}

	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	queued := 0
	for _, p := range m.list() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		job := publishJob{producer: p, topic: topicOf(p.config), key: key, payload: payload}
		select {
		case queue <- job:
			queued++
		default:
			logKafka("Publish queue full, dropping record for %s", job.topic)
		}
	}
	return queued
}

// PublishJob queues a job event, keyed by job ID so a job's events share a
// partition.
func (m *Manager) PublishJob(ev scanman.JobEvent) int {
	return m.enqueue(func(c *Config) string { return c.Topic }, []byte(ev.Job.ID), JobMessage{
		Namespace: m.namespace,
		Event:     ev.Type,
		Job:       ev.Job,
		Bytes:     ev.Bytes,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// PublishOption queues an option change, keyed by option name.
func (m *Manager) PublishOption(ch scanman.OptionChange) int {
	return m.enqueue(func(c *Config) string { return c.OptionsTopic() }, []byte(ch.Name), OptionMessage{
		Namespace: m.namespace,
		Device:    ch.Device,
		Option:    ch.Name,
		Value:     ch.Value.Interface(),
		Inexact:   ch.Info.Inexact,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// AnyConnected returns true if any cluster is connected.
func (m *Manager) AnyConnected() bool {
	for _, p := range m.list() {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// DebugLogger is an interface for debug logging.
type DebugLogger interface {
	LogKafka(format string, args ...interface{})
}

var debugLogger DebugLogger

// SetDebugLogger sets the debug logger.
func SetDebugLogger(logger DebugLogger) {
	debugLogger = logger
}

func logKafka(format string, args ...interface{}) {
	if debugLogger != nil {
		debugLogger.LogKafka(format, args...)
		return
	}
	logging.DebugLog("kafka", format, args...)
}
