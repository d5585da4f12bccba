package engine

import (
	"context"
	"time"

	"scanlink/logging"
	"scanlink/scanman"
)

// wire connects the scan manager callbacks to the bus and the sinks.
func (e *Engine) wire() {
	e.scanMgr.SetOnChange(func() {
		st := e.scanMgr.Status()
		e.emit(EventSessionChanged, st)
		if e.mqttMgr.AnyRunning() {
			go e.mqttMgr.PublishStatus(st)
		}
		if e.valkeyMgr.AnyRunning() {
			go e.valkeyMgr.PublishStatus(st)
		}
	})

	// Job callbacks run on the scanning goroutine, so sink I/O is moved off it.
	e.scanMgr.SetOnJobEvent(func(ev scanman.JobEvent) {
		if t, ok := scanEventTypes[ev.Type]; ok {
			e.emit(t, ev)
		}
		go e.publishJob(ev)
	})

	e.scanMgr.SetOnOptionChange(func(ch scanman.OptionChange) {
		e.emit(EventOptionChanged, ch)
		go e.publishOption(ch)
	})

	write := func(option string, value interface{}) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := e.scanMgr.SetOption(ctx, option, value)
		return err
	}
	e.mqttMgr.SetWriteHandler(write)
	e.valkeyMgr.SetWriteHandler(write)
	e.kafkaMgr.SetWriteHandler(write)

	e.valkeyMgr.SetOnConnectCallback(func() {
		e.valkeyMgr.PublishStatus(e.scanMgr.Status())
		for _, ch := range e.currentOptions() {
			e.valkeyMgr.PublishOption(ch)
		}
	})
}

func (e *Engine) publishJob(ev scanman.JobEvent) {
	e.mqttMgr.PublishJob(ev)
	e.valkeyMgr.PublishJob(ev)
	e.kafkaMgr.PublishJob(ev)
	e.amqpMgr.PublishJob(ev)

	store := e.hist.Load()
	if store == nil {
		return
	}
	switch ev.Type {
	case scanman.EventScanStart, scanman.EventScanDone, scanman.EventScanFailed, scanman.EventScanCancelled:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.RecordJob(ctx, ev.Job); err != nil {
			logging.DebugError("history", "record job", err)
			return
		}
		e.emit(EventHistoryRecorded, ev.Job)
	}
}

func (e *Engine) publishOption(ch scanman.OptionChange) {
	e.mqttMgr.PublishOption(ch, false)
	e.valkeyMgr.PublishOption(ch)
	e.kafkaMgr.PublishOption(ch)
	e.amqpMgr.PublishOption(ch)
}

// currentOptions lists the readable options of the open device as changes.
func (e *Engine) currentOptions() []scanman.OptionChange {
	dev := e.scanMgr.Status().Session.Device
	var out []scanman.OptionChange
	for _, o := range e.scanMgr.Options() {
		if o.Value.IsNone() || o.Name == "" {
			continue
		}
		out = append(out, scanman.OptionChange{Device: dev, Name: o.Name, Index: o.Index, Value: o.Value})
	}
	return out
}

// forcePublishMQTT republishes status and every option value to MQTT.
func (e *Engine) forcePublishMQTT() {
	e.mqttMgr.PublishStatus(e.scanMgr.Status())
	for _, ch := range e.currentOptions() {
		e.mqttMgr.PublishOption(ch, true)
	}
}

// ForcePublishAll republishes status and options to MQTT and Valkey.
func (e *Engine) ForcePublishAll() {
	e.forcePublishMQTT()
	st := e.scanMgr.Status()
	e.valkeyMgr.PublishStatus(st)
	for _, ch := range e.currentOptions() {
		e.valkeyMgr.PublishOption(ch)
	}
	e.emit(EventForcePublished, SystemEvent{Detail: "all"})
}
