package engine

import (
	"context"
	"fmt"
	"strings"

	"scanlink/sane"
	"scanlink/scanman"
)

// Discover lists the devices the backend can reach.
func (e *Engine) Discover(ctx context.Context, localOnly bool) ([]sane.Device, error) {
	devs, err := e.scanMgr.Discover(ctx, localOnly)
	if err != nil {
		return nil, err
	}
	e.emit(EventDevicesDiscovered, DeviceEvent{Count: len(devs)})
	return devs, nil
}

// OpenDevice opens the named device. An empty name is rejected before the
// backend is asked.
func (e *Engine) OpenDevice(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: device name is required", ErrInvalidInput)
	}
	if err := e.scanMgr.Open(ctx, name); err != nil {
		return err
	}
	e.logFn("Opened device %s", name)
	e.emit(EventDeviceOpened, DeviceEvent{Name: name, Count: len(e.scanMgr.Options())})

	if e.mqttMgr.AnyRunning() {
		go e.forcePublishMQTT()
	}
	return nil
}

// CloseDevice closes the open device, cancelling any scan in progress.
func (e *Engine) CloseDevice(ctx context.Context) error {
	name := e.scanMgr.Status().Session.Device
	if err := e.scanMgr.Close(ctx); err != nil {
		return err
	}
	e.logFn("Closed device %s", name)
	e.emit(EventDeviceClosed, DeviceEvent{Name: name})
	return nil
}

// SetOption writes an option by name. A nil value selects the automatic value.
func (e *Engine) SetOption(ctx context.Context, name string, value interface{}) (sane.Info, error) {
	if name == "" {
		return sane.Info{}, fmt.Errorf("%w: option name is required", ErrInvalidInput)
	}
	return e.scanMgr.SetOption(ctx, name, value)
}

// Scan starts an acquisition in the background.
func (e *Engine) Scan(req scanman.ScanRequest) (scanman.JobInfo, error) {
	job, err := e.scanMgr.Scan(req)
	if err != nil {
		return scanman.JobInfo{}, err
	}
	return job.Info(), nil
}

// CancelScan cancels the running acquisition, if any.
func (e *Engine) CancelScan(ctx context.Context) error {
	return e.scanMgr.Cancel(ctx)
}

// Job returns a job by ID.
func (e *Engine) Job(id string) (*scanman.Job, error) {
	job, ok := e.scanMgr.Job(id)
	if !ok {
		return nil, fmt.Errorf("%w: job '%s'", ErrNotFound, id)
	}
	return job, nil
}
