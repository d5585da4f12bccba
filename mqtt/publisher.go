// Package mqtt publishes scanner status, option values and scan job events
// to MQTT brokers, and accepts option write-back requests.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"scanlink/config"
	"scanlink/logging"
	"scanlink/namespace"
	"scanlink/scanman"
)

// DebugLogger is an interface for debug logging.
type DebugLogger interface {
	LogMQTT(format string, args ...interface{})
}

var debugLog DebugLogger

// SetDebugLogger sets the debug logger for MQTT.
func SetDebugLogger(logger DebugLogger) {
	debugLog = logger
}

func logMQTT(format string, args ...interface{}) {
	if debugLog != nil {
		debugLog.LogMQTT(format, args...)
		return
	}
	logging.DebugLog("mqtt", format, args...)
}

// writeJob represents a pending option write.
type writeJob struct {
	client  pahomqtt.Client
	root    string
	option  string
	value   interface{}
	handler WriteHandler
	err     error // set for requests rejected before reaching the handler
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 2

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 50

// Publisher handles one broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// Last published option payloads, to suppress duplicates
	lastValues map[string]string
	lastMu     sync.RWMutex

	writeHandler WriteHandler

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// StatusMessage is the retained device status payload.
type StatusMessage struct {
	Topic     string         `json:"topic"`
	Status    scanman.Status `json:"status"`
	Timestamp string         `json:"timestamp"`
}

// OptionMessage is the retained payload for one option value.
type OptionMessage struct {
	Topic     string      `json:"topic"`
	Device    string      `json:"device"`
	Option    string      `json:"option"`
	Value     interface{} `json:"value"`
	Inexact   bool        `json:"inexact,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// JobMessage is the payload published for scan job events.
type JobMessage struct {
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Job       scanman.JobInfo `json:"job"`
	Bytes     int64           `json:"bytes,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming option writes.
// A null value selects the automatic value.
type WriteRequest struct {
	Topic  string      `json:"topic"`
	Option string      `json:"option"`
	Value  interface{} `json:"value"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Topic     string      `json:"topic"`
	Option    string      `json:"option"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler applies an option write. A nil value requests the automatic value.
type WriteHandler func(option string, value interface{}) error

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		lastValues: make(map[string]string),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Publisher) topics() *namespace.Builder {
	return namespace.New(p.namespace, p.config.Selector)
}

// RootTopic returns <namespace>[/<selector>].
func (p *Publisher) RootTopic() string {
	return p.topics().MQTTBase()
}

// Start connects to the broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = p.namespace + "-" + p.config.Name
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		// Subscriptions are lost on reconnect with a clean session.
		if p.IsRunning() {
			p.subscribeWriteTopic()
		}
	})

	client := pahomqtt.NewClient(opts)
	logMQTT("Connecting to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.lastMu.Lock()
	p.lastValues = make(map[string]string)
	p.lastMu.Unlock()

	p.startWriteWorkers()
	p.subscribeWriteTopic()
	return nil
}

func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.RUnlock()
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
}

func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				if job.handler == nil {
					err = fmt.Errorf("no write handler configured")
				} else {
					logMQTT("Executing option write: %s = %v", job.option, job.value)
					err = job.handler(job.option, job.value)
					if err != nil {
						logMQTT("Option write error: %v", err)
					}
				}
			}
			p.publishWriteResponse(job.client, job.root, job.option, job.value, err)
		}
	}
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

// StatusTopic is where the retained device status lives.
func (p *Publisher) StatusTopic() string {
	return p.topics().MQTTStatusTopic()
}

// OptionTopic is the retained topic for one option value.
func (p *Publisher) OptionTopic(option string) string {
	return p.topics().MQTTOptionTopic(option)
}

// JobTopic is the retained topic holding the latest state of a job.
func (p *Publisher) JobTopic(id string) string {
	return p.topics().MQTTJobTopic(id)
}

// EventsTopic receives every job event, not retained.
func (p *Publisher) EventsTopic() string {
	return p.topics().MQTTEventsTopic()
}

// WriteTopic is subscribed for option writes.
func (p *Publisher) WriteTopic() string {
	return p.topics().MQTTWriteTopic()
}

func (p *Publisher) activeClient() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

func publishJSON(client pahomqtt.Client, topic string, qos byte, retained bool, v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		logMQTT("JSON marshal error for %s: %v", topic, err)
		return false
	}
	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	return token.Error() == nil
}

// PublishStatus publishes the device status snapshot.
func (p *Publisher) PublishStatus(st scanman.Status) bool {
	client := p.activeClient()
	if client == nil {
		return false
	}
	return publishJSON(client, p.StatusTopic(), 1, true, StatusMessage{
		Topic:     p.RootTopic(),
		Status:    st,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// PublishOption publishes an option value if it differs from the last one
// sent, or unconditionally when force is set.
func (p *Publisher) PublishOption(deviceName, option string, value interface{}, inexact, force bool) bool {
	client := p.activeClient()
	if client == nil {
		return false
	}

	key := deviceName + "/" + option
	current := fmt.Sprintf("%v", value)
	p.lastMu.RLock()
	last, exists := p.lastValues[key]
	p.lastMu.RUnlock()
	if exists && !force && last == current {
		return false
	}

	ok := publishJSON(client, p.OptionTopic(option), 1, true, OptionMessage{
		Topic:     p.RootTopic(),
		Device:    deviceName,
		Option:    option,
		Value:     value,
		Inexact:   inexact,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if ok {
		p.lastMu.Lock()
		p.lastValues[key] = current
		p.lastMu.Unlock()
	}
	return ok
}

// PublishJob publishes a job event. Progress events go to the events topic
// only; every other event also updates the retained job topic.
func (p *Publisher) PublishJob(ev scanman.JobEvent) bool {
	client := p.activeClient()
	if client == nil {
		return false
	}
	msg := JobMessage{
		Topic:     p.RootTopic(),
		Event:     ev.Type,
		Job:       ev.Job,
		Bytes:     ev.Bytes,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if ev.Type == scanman.EventScanProgress {
		return publishJSON(client, p.EventsTopic(), 0, false, msg)
	}
	ok := publishJSON(client, p.EventsTopic(), 1, false, msg)
	if !publishJSON(client, p.JobTopic(ev.Job.ID), 1, true, msg) {
		ok = false
	}
	return ok
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for option write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

func (p *Publisher) subscribeWriteTopic() {
	if !p.config.EnableWriteback {
		return
	}
	client := p.activeClient()
	if client == nil {
		return
	}
	topic := p.WriteTopic()
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		logMQTT("Subscribe failed for %s: %v", topic, token.Error())
		return
	}
	logMQTT("Subscribed to: %s", topic)
}

// handleWriteMessage parses an option write and queues it for the workers.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received write request on %s: %s", msg.Topic(), string(msg.Payload()))

	p.mu.RLock()
	handler := p.writeHandler
	queue := p.writeQueue
	p.mu.RUnlock()
	root := p.RootTopic()

	job := writeJob{client: client, root: root, handler: handler}

	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		job.err = fmt.Errorf("invalid JSON: %v", err)
	} else {
		job.option = req.Option
		job.value = req.Value
		switch {
		case req.Topic != "" && req.Topic != root:
			job.err = fmt.Errorf("topic mismatch: expected %s, got %s", root, req.Topic)
		case req.Option == "":
			job.err = fmt.Errorf("option name required")
		}
	}

	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s", req.Option)
		go p.publishWriteResponse(client, root, req.Option, req.Value,
			fmt.Errorf("write queue full, try again later"))
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, root, option string, value interface{}, err error) {
	resp := WriteResponse{
		Topic:     root,
		Option:    option,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	publishJSON(client, root+"/options/set/response", 1, false, resp)
}
