package backend

import (
	"context"

	"scanlink/config"
	"scanlink/logging"
	"scanlink/sane"
	"scanlink/testdev"
)

// TestAdapter wraps the in-process emulator to implement Backend.
type TestAdapter struct {
	lib *testdev.Library
}

type testdevLogger struct{}

func (testdevLogger) Log(format string, args ...interface{}) {
	logging.DebugLog("testdev", format, args...)
}

// NewTestAdapter creates an emulator backend from configuration.
func NewTestAdapter(cfg *config.BackendConfig) *TestAdapter {
	lib := testdev.New(testdev.Config{
		Devices: cfg.TestDevices,
		Chunk:   cfg.TestChunk,
	})
	lib.SetDebugLogger(testdevLogger{})
	return &TestAdapter{lib: lib}
}

// Library exposes the emulator, mainly for tests.
func (a *TestAdapter) Library() *testdev.Library {
	return a.lib
}

func (a *TestAdapter) Init(ctx context.Context) (sane.Version, error) {
	v, err := a.lib.Init()
	return v, asStatus("init", err)
}

func (a *TestAdapter) Exit() {
	a.lib.Exit()
}

func (a *TestAdapter) Devices(ctx context.Context, localOnly bool) ([]sane.Device, error) {
	devs, err := a.lib.Devices()
	return devs, asStatus("devices", err)
}

func (a *TestAdapter) Open(ctx context.Context, name string) (Handle, error) {
	h, err := a.lib.Open(name)
	return Handle(h), asStatus("open", err)
}

func (a *TestAdapter) Close(ctx context.Context, h Handle) error {
	return asStatus("close", a.lib.Close(int32(h)))
}

func (a *TestAdapter) OptionDescriptor(ctx context.Context, h Handle, index int) (*sane.RawOption, error) {
	opt, err := a.lib.Option(int32(h), index)
	return opt, asStatus("option descriptor", err)
}

func (a *TestAdapter) ControlOption(ctx context.Context, h Handle, index int, action sane.Action, value []byte) (int32, error) {
	info, err := a.lib.Control(int32(h), index, action, value)
	return info, asStatus("control option", err)
}

func (a *TestAdapter) Parameters(ctx context.Context, h Handle) (sane.Parameters, error) {
	p, err := a.lib.Parameters(int32(h))
	return p, asStatus("parameters", err)
}

func (a *TestAdapter) Start(ctx context.Context, h Handle) error {
	return asStatus("start", a.lib.Start(int32(h)))
}

func (a *TestAdapter) Read(ctx context.Context, h Handle, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, asStatus("read", err)
	}
	n, err := a.lib.Read(int32(h), buf)
	return n, asStatus("read", err)
}

func (a *TestAdapter) Cancel(ctx context.Context, h Handle) error {
	return asStatus("cancel", a.lib.Cancel(int32(h)))
}

func (a *TestAdapter) Kind() string {
	return config.BackendTest
}

func (a *TestAdapter) StatusString(s sane.Status) string {
	return s.Message()
}
