package tui

import (
	"fmt"

	"scanlink/engine"
	"scanlink/scanman"
)

// eventLevel picks the debug log level for an engine event.
func eventLevel(t engine.EventType) string {
	switch t {
	case engine.EventScanFailed:
		return "ERROR"
	case engine.EventServiceStarted, engine.EventServiceStopped, engine.EventForcePublished, engine.EventHistoryRecorded:
		return "SINK"
	case engine.EventNamespaceChanged, engine.EventAPIToggled:
		return "API"
	default:
		return "SANE"
	}
}

// describePayload renders an event payload for the debug log.
func describePayload(p interface{}) string {
	switch v := p.(type) {
	case scanman.JobEvent:
		s := fmt.Sprintf("job %s on %s: %s", v.Job.ID, v.Job.Device, v.Job.State)
		if v.Job.Error != "" {
			s += " (" + v.Job.Error + ")"
		}
		if v.Params != nil {
			s += fmt.Sprintf(" %dx%d %s", v.Params.PixelsPerLine, v.Params.Lines, v.Params.Format)
		}
		return s
	case scanman.OptionChange:
		return fmt.Sprintf("%s = %s", v.Name, v.Value)
	case engine.DeviceEvent:
		if v.Name != "" {
			return v.Name
		}
		return fmt.Sprintf("%d device(s)", v.Count)
	case engine.ServiceEvent:
		return v.Kind + "/" + v.Name
	case engine.SystemEvent:
		return v.Detail
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
