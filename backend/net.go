package backend

import (
	"context"
	"errors"
	"fmt"

	"scanlink/config"
	"scanlink/logging"
	"scanlink/sane"
	"scanlink/saned"
)

// NetAdapter wraps saned.Client to implement Backend.
type NetAdapter struct {
	client *saned.Client
	config *config.BackendConfig
}

// NewNetAdapter creates a network backend from configuration.
// The connection is not established until Init is called.
func NewNetAdapter(cfg *config.BackendConfig) (*NetAdapter, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("net backend: address is required")
	}
	return &NetAdapter{
		config: cfg,
		client: saned.NewClient(saned.Options{
			Address:  cfg.Address,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.GetTimeout(),
		}),
	}, nil
}

// fail converts err to a status error. A broken connection drops the client
// and surfaces as an I/O error; the session must be torn down and
// initialized again.
func (a *NetAdapter) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var s sane.Status
	if !errors.As(err, &s) && IsLikelyConnectionError(err) {
		if a.client.IsConnected() {
			logging.DebugDisconnect("saned", a.client.Address(), op+": "+err.Error())
			a.client.Drop()
		}
		return fmt.Errorf("%s: connection lost: %w: %w", op, sane.StatusIOError, err)
	}
	return asStatus(op, err)
}

// Init connects to the daemon.
func (a *NetAdapter) Init(ctx context.Context) (sane.Version, error) {
	v, err := a.client.Connect(ctx)
	return v, a.fail("init", err)
}

// Exit disconnects from the daemon.
func (a *NetAdapter) Exit() {
	a.client.Disconnect()
}

// Devices lists the remote devices. Remote devices are never local, so a
// local-only query yields an empty list.
func (a *NetAdapter) Devices(ctx context.Context, localOnly bool) ([]sane.Device, error) {
	if localOnly {
		return []sane.Device{}, nil
	}
	devs, err := a.client.Devices(ctx)
	return devs, a.fail("devices", err)
}

func (a *NetAdapter) Open(ctx context.Context, name string) (Handle, error) {
	h, err := a.client.Open(ctx, name)
	return Handle(h), a.fail("open", err)
}

func (a *NetAdapter) Close(ctx context.Context, h Handle) error {
	return a.fail("close", a.client.CloseHandle(ctx, int32(h)))
}

func (a *NetAdapter) OptionDescriptor(ctx context.Context, h Handle, index int) (*sane.RawOption, error) {
	opt, err := a.client.Option(ctx, int32(h), index)
	return opt, a.fail("option descriptor", err)
}

func (a *NetAdapter) ControlOption(ctx context.Context, h Handle, index int, action sane.Action, value []byte) (int32, error) {
	info, err := a.client.Control(ctx, int32(h), index, action, value)
	return info, a.fail("control option", err)
}

func (a *NetAdapter) Parameters(ctx context.Context, h Handle) (sane.Parameters, error) {
	p, err := a.client.Parameters(ctx, int32(h))
	return p, a.fail("parameters", err)
}

func (a *NetAdapter) Start(ctx context.Context, h Handle) error {
	return a.fail("start", a.client.Start(ctx, int32(h)))
}

func (a *NetAdapter) Read(ctx context.Context, h Handle, buf []byte) (int, error) {
	n, err := a.client.Read(ctx, int32(h), buf)
	return n, a.fail("read", err)
}

func (a *NetAdapter) Cancel(ctx context.Context, h Handle) error {
	return a.fail("cancel", a.client.Cancel(ctx, int32(h)))
}

func (a *NetAdapter) Kind() string {
	return config.BackendNet
}

func (a *NetAdapter) StatusString(s sane.Status) string {
	return s.Message()
}

// Address returns the daemon address.
func (a *NetAdapter) Address() string {
	return a.client.Address()
}

// IsConnected reports whether the control connection is up.
func (a *NetAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
