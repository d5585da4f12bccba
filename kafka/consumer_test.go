package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"scanlink/config"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs) == 0
}

type sent struct {
	topic string
	key   string
	resp  WriteResponse
}

type writeCall struct {
	option string
	value  interface{}
}

// testConsumer returns a consumer whose responses are captured instead of
// produced.
func testConsumer(t *testing.T) (*Consumer, *[]sent, *sync.Mutex) {
	t.Helper()
	cfg := FromConfig(config.KafkaConfig{Name: "k", EnableWriteback: true}, "scanlink")
	c := NewConsumer(&cfg, "scanlink", NewProducer(&cfg))

	var mu sync.Mutex
	var out []sent
	c.produce = func(ctx context.Context, topic string, key, value []byte) error {
		var resp WriteResponse
		if err := json.Unmarshal(value, &resp); err != nil {
			t.Errorf("response is not JSON: %v", err)
		}
		mu.Lock()
		out = append(out, sent{topic: topic, key: string(key), resp: resp})
		mu.Unlock()
		return nil
	}
	return c, &out, &mu
}

func message(offset int64, key string, req WriteRequest, at time.Time) kafka.Message {
	payload, _ := json.Marshal(req)
	return kafka.Message{Offset: offset, Key: []byte(key), Value: payload, Time: at}
}

func TestCollect(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		msgs        []kafka.Message
		wantKeys    map[string]interface{}
		wantReplace int
	}{
		{
			name: "distinct options",
			msgs: []kafka.Message{
				message(1, "", WriteRequest{Option: "mode", Value: "Gray"}, now),
				message(2, "", WriteRequest{Option: "resolution", Value: 300.0}, now),
			},
			wantKeys: map[string]interface{}{"mode": "Gray", "resolution": 300.0},
		},
		{
			name: "latest wins",
			msgs: []kafka.Message{
				message(1, "", WriteRequest{Option: "resolution", Value: 150.0}, now),
				message(2, "", WriteRequest{Option: "resolution", Value: 600.0}, now),
			},
			wantKeys:    map[string]interface{}{"resolution": 600.0},
			wantReplace: 1,
		},
		{
			name: "message key overrides option",
			msgs: []kafka.Message{
				message(1, "a", WriteRequest{Option: "resolution", Value: 150.0}, now),
				message(2, "b", WriteRequest{Option: "resolution", Value: 600.0}, now),
			},
			wantKeys: map[string]interface{}{"a": 150.0, "b": 600.0},
		},
		{
			name: "bad JSON dropped",
			msgs: []kafka.Message{
				{Offset: 1, Value: []byte("{nope")},
				message(2, "", WriteRequest{Option: "mode", Value: "Color"}, now),
			},
			wantKeys: map[string]interface{}{"mode": "Color"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending := make(map[string]pendingWrite)
			replaced := 0
			for _, m := range tt.msgs {
				if _, ok := collect(pending, m); ok {
					replaced++
				}
			}
			if replaced != tt.wantReplace {
				t.Errorf("replaced %d, want %d", replaced, tt.wantReplace)
			}
			if len(pending) != len(tt.wantKeys) {
				t.Fatalf("pending = %v, want keys %v", pending, tt.wantKeys)
			}
			for k, v := range tt.wantKeys {
				if pending[k].request.Value != v {
					t.Errorf("pending[%q] = %v, want %v", k, pending[k].request.Value, v)
				}
			}
		})
	}
}

func TestConsumer_ProcessBatch(t *testing.T) {
	c, out, _ := testConsumer(t)
	var calls []writeCall
	c.SetWriteHandler(func(option string, value interface{}) error {
		calls = append(calls, writeCall{option, value})
		if option == "locked" {
			return errors.New("option is not settable")
		}
		return nil
	})

	now := time.Now()
	pending := map[string]pendingWrite{
		"resolution": {request: WriteRequest{Option: "resolution", Value: 300.0, RequestID: "r2"}, messageTime: now},
		"locked":     {request: WriteRequest{Option: "locked", Value: true}, messageTime: now},
		"mode":       {request: WriteRequest{Option: "mode", Value: "Gray"}, messageTime: now.Add(-time.Minute)},
		"":           {request: WriteRequest{Value: 1.0}, messageTime: now},
	}
	discarded := []pendingWrite{
		{request: WriteRequest{Option: "resolution", Value: 150.0, RequestID: "r1"}, messageTime: now},
	}
	c.processBatch(pending, discarded)

	if len(calls) != 2 {
		t.Fatalf("handler calls = %v, want resolution and locked only", calls)
	}
	if len(*out) != 5 {
		t.Fatalf("sent %d responses, want one per request", len(*out))
	}

	byRequest := map[string]WriteResponse{}
	for _, s := range *out {
		if s.topic != "scanlink.scans.writes.responses" {
			t.Errorf("topic = %q", s.topic)
		}
		if s.key != s.resp.Option {
			t.Errorf("key %q differs from option %q", s.key, s.resp.Option)
		}
		byRequest[s.resp.Option+"/"+s.resp.RequestID] = s.resp
	}

	tests := []struct {
		key          string
		success      bool
		skipped      bool
		deduplicated bool
	}{
		{"resolution/r1", false, false, true},
		{"resolution/r2", true, false, false},
		{"locked/", false, false, false},
		{"mode/", false, true, false},
		{"/", false, false, false},
	}
	for _, tt := range tests {
		resp, ok := byRequest[tt.key]
		if !ok {
			t.Errorf("%s: no response", tt.key)
			continue
		}
		if resp.Success != tt.success || resp.Skipped != tt.skipped || resp.Deduplicated != tt.deduplicated {
			t.Errorf("%s: %+v", tt.key, resp)
		}
		if !resp.Success && resp.Error == "" {
			t.Errorf("%s: failure without error text", tt.key)
		}
		if resp.Namespace != "scanlink" {
			t.Errorf("%s: namespace %q", tt.key, resp.Namespace)
		}
	}
}

func TestConsumer_NoHandler(t *testing.T) {
	c, out, _ := testConsumer(t)
	c.processBatch(map[string]pendingWrite{
		"mode": {request: WriteRequest{Option: "mode", Value: "Gray"}, messageTime: time.Now()},
	}, nil)
	if len(*out) != 1 || (*out)[0].resp.Success || (*out)[0].resp.Error != "no write handler configured" {
		t.Errorf("unexpected responses %+v", *out)
	}
}

func TestConsumer_StartStop(t *testing.T) {
	c, out, mu := testConsumer(t)
	now := time.Now()
	reader := &fakeReader{msgs: []kafka.Message{
		message(10, "", WriteRequest{Option: "resolution", Value: 150.0}, now),
		message(11, "", WriteRequest{Option: "mode", Value: "Gray"}, now),
		message(12, "", WriteRequest{Option: "resolution", Value: 600.0}, now),
	}}
	c.openReader = func() messageReader { return reader }

	var hmu sync.Mutex
	applied := map[string]interface{}{}
	c.SetWriteHandler(func(option string, value interface{}) error {
		hmu.Lock()
		applied[option] = value
		hmu.Unlock()
		return nil
	})

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if !c.IsRunning() {
		t.Fatal("consumer should be running")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !reader.drained() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	if c.IsRunning() {
		t.Error("consumer should be stopped")
	}
	if !reader.closed {
		t.Error("reader should be closed on stop")
	}
	if len(reader.committed) != 3 {
		t.Errorf("committed offsets %v, want all three", reader.committed)
	}
	hmu.Lock()
	if applied["resolution"] != 600.0 || applied["mode"] != "Gray" {
		t.Errorf("applied = %v, want latest resolution and mode", applied)
	}
	hmu.Unlock()
	mu.Lock()
	if len(*out) != 3 {
		t.Errorf("sent %d responses, want 3", len(*out))
	}
	mu.Unlock()
}

func TestManager_Writeback(t *testing.T) {
	m := newTestManager()
	plain := FromConfig(config.KafkaConfig{Name: "plain"}, "scanlink")
	wb := FromConfig(config.KafkaConfig{Name: "wb", EnableWriteback: true}, "scanlink")
	m.AddCluster(&plain)
	m.AddCluster(&wb)

	if m.GetConsumer("plain") != nil {
		t.Error("cluster without write-back should have no consumer")
	}
	c := m.GetConsumer("wb")
	if c == nil {
		t.Fatal("write-back cluster should have a consumer")
	}
	if c.config.WriteTopic() != "scanlink.scans.writes" || c.config.ConsumerGroup != "scanlink-scanlink-writes" {
		t.Errorf("topic=%q group=%q", c.config.WriteTopic(), c.config.ConsumerGroup)
	}

	called := ""
	m.SetWriteHandler(func(option string, value interface{}) error {
		called = option
		return nil
	})
	c.mu.RLock()
	h := c.writeHandler
	c.mu.RUnlock()
	if h == nil {
		t.Fatal("handler not propagated")
	}
	h("mode", "Gray")
	if called != "mode" {
		t.Errorf("called = %q", called)
	}

	m.RemoveCluster("wb")
	if m.GetConsumer("wb") != nil || m.GetProducer("wb") != nil {
		t.Error("RemoveCluster should drop producer and consumer")
	}
}
