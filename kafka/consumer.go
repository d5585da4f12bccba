package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// WriteBackBatchInterval is how often collected write requests are applied.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON structure for incoming option writes. A null value
// selects the automatic value.
type WriteRequest struct {
	Device    string      `json:"device,omitempty"`
	Option    string      `json:"option"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// WriteResponse is produced to the write response topic for every request.
type WriteResponse struct {
	Namespace    string      `json:"namespace"`
	Device       string      `json:"device,omitempty"`
	Option       string      `json:"option"`
	Value        interface{} `json:"value"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`      // request expired
	Deduplicated bool        `json:"deduplicated,omitempty"` // replaced by a newer request
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler applies an option write. A nil value requests the automatic value.
type WriteHandler func(option string, value interface{}) error

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type pendingWrite struct {
	request     WriteRequest
	messageTime time.Time
	offset      int64
}

// Consumer applies option write requests read from a cluster's write topic
// and produces the results through the cluster's producer.
type Consumer struct {
	config    *Config
	namespace string
	producer  *Producer
	reader    messageReader
	running   bool
	mu        sync.RWMutex

	writeHandler WriteHandler

	openReader func() messageReader
	produce    func(ctx context.Context, topic string, key, value []byte) error

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer for the cluster served by producer.
func NewConsumer(config *Config, namespace string, producer *Producer) *Consumer {
	c := &Consumer{
		config:    config,
		namespace: namespace,
		producer:  producer,
		stopChan:  make(chan struct{}),
	}
	c.openReader = c.newReader
	c.produce = func(ctx context.Context, topic string, key, value []byte) error {
		if producer.GetStatus() != StatusConnected {
			return fmt.Errorf("producer not connected")
		}
		return producer.Produce(ctx, topic, key, value)
	}
	return c
}

func (c *Consumer) newReader() messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          c.config.WriteTopic(),
		GroupID:        c.config.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         c.producer.createDialer(),
	})
}

// SetWriteHandler sets the callback for option write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// Start begins consuming write requests.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	logConsumer("Starting consumer for topic '%s' with group '%s'", c.config.WriteTopic(), c.config.ConsumerGroup)

	c.reader = c.openReader()
	c.running = true
	c.stopChan = make(chan struct{})
	stop := c.stopChan
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop(stop)
	return nil
}

// Stop applies what is pending and stops the consumer.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	logConsumer("Stopping consumer for %s", c.config.Name)
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Consumer) consumeLoop(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	// Keyed by option; the latest request wins.
	pending := make(map[string]pendingWrite)
	var discarded []pendingWrite

	for {
		select {
		case <-stop:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
			}
			return

		case <-ticker.C:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
				pending = make(map[string]pendingWrite)
				discarded = nil
			}

		default:
			c.mu.RLock()
			reader := c.reader
			c.mu.RUnlock()
			if reader == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				continue
			}

			if replaced, ok := collect(pending, msg); ok {
				discarded = append(discarded, replaced)
			}
			c.commitMessage(reader, msg)
		}
	}
}

// collect adds msg to pending. It returns the request msg replaced, if any.
// Unparseable messages are dropped.
func collect(pending map[string]pendingWrite, msg kafka.Message) (pendingWrite, bool) {
	var req WriteRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logConsumer("JSON parse error at offset %d: %v", msg.Offset, err)
		return pendingWrite{}, false
	}

	key := string(msg.Key)
	if key == "" {
		key = req.Option
	}
	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}

	existing, replaced := pending[key]
	if replaced {
		logConsumer("DEDUP DISCARD: %s value=%v (offset=%d) replaced by value=%v (offset=%d)",
			existing.request.Option, existing.request.Value, existing.offset, req.Value, msg.Offset)
	}
	pending[key] = pendingWrite{request: req, messageTime: at, offset: msg.Offset}
	return existing, replaced
}

func (c *Consumer) commitMessage(reader messageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Commit failed at offset %d: %v", msg.Offset, err)
	}
}

// processBatch answers discarded requests and applies the pending ones.
func (c *Consumer) processBatch(pending map[string]pendingWrite, discarded []pendingWrite) {
	c.mu.RLock()
	handler := c.writeHandler
	c.mu.RUnlock()
	maxAge := c.config.GetWriteMaxAge()

	now := time.Now()
	for _, pw := range discarded {
		resp := c.response(pw.request, now)
		resp.Error = "request superseded by newer write to same option"
		resp.Deduplicated = true
		c.sendResponse(resp)
	}

	var applied, failed, skipped int
	for _, pw := range pending {
		req := pw.request
		resp := c.response(req, now)

		if age := now.Sub(pw.messageTime); age > maxAge {
			resp.Error = fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge)
			resp.Skipped = true
			skipped++
			c.sendResponse(resp)
			continue
		}

		var err error
		switch {
		case req.Option == "":
			err = fmt.Errorf("option name required")
		case handler == nil:
			err = fmt.Errorf("no write handler configured")
		default:
			err = handler(req.Option, req.Value)
		}
		if err != nil {
			resp.Error = err.Error()
			failed++
		} else {
			resp.Success = true
			applied++
		}
		c.sendResponse(resp)
	}

	logConsumer("Batch complete: %d applied, %d failed, %d expired, %d deduplicated",
		applied, failed, skipped, len(discarded))
}

func (c *Consumer) response(req WriteRequest, now time.Time) WriteResponse {
	return WriteResponse{
		Namespace: c.namespace,
		Device:    req.Device,
		Option:    req.Option,
		Value:     req.Value,
		RequestID: req.RequestID,
		Timestamp: now,
	}
}

func (c *Consumer) sendResponse(resp WriteResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		logConsumer("Failed to marshal response: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	topic := c.config.WriteResponseTopic()
	if err := c.produce(ctx, topic, []byte(resp.Option), payload); err != nil {
		logConsumer("Failed to send response to %s: %v", topic, err)
	}
}

func logConsumer(format string, args ...interface{}) {
	logKafka("[Consumer] "+format, args...)
}
