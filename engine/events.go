package engine

import (
	"time"

	"scanlink/scanman"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Session events
	EventSessionChanged EventType = iota + 1
	EventDevicesDiscovered
	EventDeviceOpened
	EventDeviceClosed
	EventOptionChanged

	// Scan events
	EventScanStarted
	EventScanFrame
	EventScanProgress
	EventScanDone
	EventScanFailed
	EventScanCancelled

	// Sink events
	EventServiceStarted
	EventServiceStopped
	EventHistoryRecorded

	// System events
	EventNamespaceChanged
	EventAPIToggled
	EventForcePublished
)

var eventNames = map[EventType]string{
	EventSessionChanged:    "session-changed",
	EventDevicesDiscovered: "devices-discovered",
	EventDeviceOpened:      "device-opened",
	EventDeviceClosed:      "device-closed",
	EventOptionChanged:     "option-changed",
	EventScanStarted:       scanman.EventScanStart,
	EventScanFrame:         scanman.EventScanFrame,
	EventScanProgress:      scanman.EventScanProgress,
	EventScanDone:          scanman.EventScanDone,
	EventScanFailed:        scanman.EventScanFailed,
	EventScanCancelled:     scanman.EventScanCancelled,
	EventServiceStarted:    "service-started",
	EventServiceStopped:    "service-stopped",
	EventHistoryRecorded:   "history-recorded",
	EventNamespaceChanged:  "namespace-changed",
	EventAPIToggled:        "api-toggled",
	EventForcePublished:    "force-published",
}

// String returns the wire name used by the SSE stream.
func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// scanEventTypes maps job event names onto bus event types.
var scanEventTypes = map[string]EventType{
	scanman.EventScanStart:     EventScanStarted,
	scanman.EventScanFrame:     EventScanFrame,
	scanman.EventScanProgress:  EventScanProgress,
	scanman.EventScanDone:      EventScanDone,
	scanman.EventScanFailed:    EventScanFailed,
	scanman.EventScanCancelled: EventScanCancelled,
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// DeviceEvent is the payload for device open/close and discovery events.
type DeviceEvent struct {
	Name  string `json:"name,omitempty"`
	Count int    `json:"count"`
}

// ServiceEvent is the payload for sink lifecycle events.
type ServiceEvent struct {
	Kind string `json:"kind"` // "mqtt", "valkey", "kafka", "amqp"
	Name string `json:"name"`
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string `json:"detail"`
}

// Scan events carry a scanman.JobEvent, option events a
// scanman.OptionChange and session events a scanman.Status.
