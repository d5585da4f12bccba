package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"scanlink/engine"
	"scanlink/logging"
	"scanlink/scanman"
)

// sseEvent is one event queued for SSE clients.
type sseEvent struct {
	Type   string
	Device string // set for device-specific events, used by the device filter
	Data   interface{}
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub fans engine events out to connected SSE clients.
type eventHub struct {
	mu      sync.RWMutex
	clients map[string]*sseClient
	closed  bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[string]*sseClient)}
}

func (h *eventHub) add(c *sseClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *eventHub) remove(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.events)
	}
}

// Broadcast queues ev for every client, dropping it for clients that are
// not keeping up.
func (h *eventHub) Broadcast(ev sseEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.events <- ev:
		default:
			logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", c.id, ev.Type)
		}
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client.
func (h *eventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		close(c.events)
		delete(h.clients, id)
	}
}

// toSSE converts a bus event. Progress events go out as-is; the client
// filters with ?types= when it does not want them.
func toSSE(ev engine.Event) sseEvent {
	out := sseEvent{Type: ev.Type.String(), Data: ev.Payload}
	switch p := ev.Payload.(type) {
	case scanman.JobEvent:
		out.Device = p.Job.Device
	case scanman.OptionChange:
		out.Device = p.Device
	case scanman.Status:
		out.Device = p.Session.Device
	case engine.DeviceEvent:
		out.Device = p.Name
	}
	return out
}

// setupSSE subscribes the hub to the engine bus. The returned func undoes it.
func (h *handlers) setupSSE() func() {
	id := h.eng.Events.Subscribe(func(ev engine.Event) {
		h.hub.Broadcast(toSSE(ev))
	})
	return func() {
		h.eng.Events.Unsubscribe(id)
		h.hub.Stop()
	}
}

func splitFilter(s string) map[string]bool {
	if s == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	return set
}

// handleSSE serves GET /events. Query parameters: types (comma list of event
// names) and device.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	typeFilter := splitFilter(r.URL.Query().Get("types"))
	deviceFilter := r.URL.Query().Get("device")

	client := &sseClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	if !h.hub.add(client) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.hub.remove(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[ev.Type] {
				continue
			}
			if deviceFilter != "" && ev.Device != "" && ev.Device != deviceFilter {
				continue
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
