// Package valkey mirrors scanner state into Valkey/Redis keys, publishes
// change notifications, and serves an option write queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"scanlink/config"
	"scanlink/logging"
	"scanlink/namespace"
	"scanlink/scanman"
)

// OptionMessage is stored under <prefix>:options:<name>.
type OptionMessage struct {
	Namespace string      `json:"namespace"`
	Device    string      `json:"device"`
	Option    string      `json:"option"`
	Value     interface{} `json:"value"`
	Inexact   bool        `json:"inexact,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusMessage is stored under <prefix>:status.
type StatusMessage struct {
	Namespace string         `json:"namespace"`
	Status    scanman.Status `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// JobMessage is stored under <prefix>:jobs:<id> and published on
// <prefix>:events.
type JobMessage struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Job       scanman.JobInfo `json:"job"`
	Bytes     int64           `json:"bytes,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WriteRequest is an entry of the option write queue. A null value selects
// the automatic value.
type WriteRequest struct {
	Option string      `json:"option"`
	Value  interface{} `json:"value"`
}

// WriteResponse is published on the write response channel.
type WriteResponse struct {
	Namespace string      `json:"namespace"`
	Option    string      `json:"option"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher mirrors scanner state into one Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex

	writeHandler      func(option string, value interface{}) error
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Prefix returns the key prefix, <namespace>[:<selector>].
func (p *Publisher) Prefix() string {
	return p.keys().ValkeyPrefix()
}

func (p *Publisher) keys() *namespace.Builder {
	return namespace.New(p.namespace, p.config.Selector)
}

// Key builds a key under the prefix.
func (p *Publisher) Key(segments ...string) string {
	return p.keys().ValkeyKey(segments...)
}

// Start connects to the server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	debugLog("Connecting to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}

	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}

	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener wakes at least once per BLPOP timeout.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) active() (*redis.Client, *config.ValkeyConfig) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running || p.client == nil {
		return nil, nil
	}
	return p.client, p.config
}

// store sets key to v and optionally publishes it on channel.
func (p *Publisher) store(key, channel string, v interface{}) error {
	client, cfg := p.active()
	if client == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if key != "" {
		if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
	}
	if channel != "" && cfg.PublishChanges {
		if err := client.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
	}
	return nil
}

// PublishStatus stores the device status snapshot.
func (p *Publisher) PublishStatus(st scanman.Status) error {
	return p.store(p.Key("status"), p.Key("status", "changes"), StatusMessage{
		Namespace: p.namespace,
		Status:    st,
		Timestamp: time.Now().UTC(),
	})
}

// PublishOption stores an option value.
func (p *Publisher) PublishOption(ch scanman.OptionChange) error {
	return p.store(p.Key("options", ch.Name), p.Key("options", "changes"), OptionMessage{
		Namespace: p.namespace,
		Device:    ch.Device,
		Option:    ch.Name,
		Value:     ch.Value.Interface(),
		Inexact:   ch.Info.Inexact,
		Timestamp: time.Now().UTC(),
	})
}

// PublishJob stores the job state and publishes the event. Progress events
// are published without touching the job key.
func (p *Publisher) PublishJob(ev scanman.JobEvent) error {
	msg := JobMessage{
		Namespace: p.namespace,
		Event:     ev.Type,
		Job:       ev.Job,
		Bytes:     ev.Bytes,
		Timestamp: time.Now().UTC(),
	}
	key := p.Key("jobs", ev.Job.ID)
	if ev.Type == scanman.EventScanProgress {
		key = ""
	}
	return p.store(key, p.Key("events"), msg)
}

// SetWriteHandler sets the callback for option write requests.
func (p *Publisher) SetWriteHandler(handler func(option string, value interface{}) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// WriteQueueKey is the list consumed by the write-back listener.
func (p *Publisher) WriteQueueKey() string {
	return p.keys().ValkeyWriteQueue()
}

// ResponseChannel receives write responses.
func (p *Publisher) ResponseChannel() string {
	return p.keys().ValkeyWriteResponseChannel()
}

func (p *Publisher) writebackListener(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := p.WriteQueueKey()
	responseChannel := p.ResponseChannel()

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Valkey write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.processWriteRequest([]byte(result[1]))
		data, _ := json.Marshal(resp)
		pctx, pcancel := context.WithTimeout(context.Background(), 2*time.Second)
		client.Publish(pctx, responseChannel, data)
		pcancel()
	}
}

// processWriteRequest decodes and applies one queue entry.
func (p *Publisher) processWriteRequest(raw []byte) WriteResponse {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	resp := WriteResponse{Namespace: p.namespace, Timestamp: time.Now().UTC()}

	var req WriteRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid JSON: %v", err)
		return resp
	}
	resp.Option = req.Option
	resp.Value = req.Value

	switch {
	case req.Option == "":
		resp.Error = "option name required"
	case handler == nil:
		resp.Error = "no write handler configured"
	default:
		if err := handler(req.Option, req.Value); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}

	debugLog("Valkey option write %s = %v -> success=%v", req.Option, req.Value, resp.Success)
	return resp
}

// DebugLogger interface for debug logging.
type DebugLogger interface {
	LogValkey(format string, args ...interface{})
}

var debugLogger DebugLogger

// SetDebugLogger sets the debug logger.
func SetDebugLogger(logger DebugLogger) {
	debugLogger = logger
}

func debugLog(format string, args ...interface{}) {
	if debugLogger != nil {
		debugLogger.LogValkey(format, args...)
		return
	}
	logging.DebugLog("valkey", format, args...)
}
