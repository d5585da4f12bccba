// Package backend defines the device backend the session drives, and the
// registry that builds one from configuration.
package backend

import (
	"context"

	"scanlink/sane"
)

// Handle identifies an open device within a backend.
type Handle int32

// Backend is the device driver collaborator behind a session. Each backend
// kind has an adapter that implements this interface.
//
// Errors carry a sane.Status (possibly wrapped). Option buffers use the
// native layout of the sane package: words in sane.ByteOrder, strings as NUL
// terminated bytes.
type Backend interface {
	// Library lifecycle
	Init(ctx context.Context) (sane.Version, error)
	Exit()

	// Discovery
	Devices(ctx context.Context, localOnly bool) ([]sane.Device, error)

	// Device lifecycle
	Open(ctx context.Context, name string) (Handle, error)
	Close(ctx context.Context, h Handle) error

	// Options. OptionDescriptor returns nil, nil past the last option.
	// ControlOption reads into or writes from value depending on action and
	// returns the reload-info word.
	OptionDescriptor(ctx context.Context, h Handle, index int) (*sane.RawOption, error)
	ControlOption(ctx context.Context, h Handle, index int, action sane.Action, value []byte) (int32, error)

	// Acquisition
	Parameters(ctx context.Context, h Handle) (sane.Parameters, error)
	Start(ctx context.Context, h Handle) error
	Read(ctx context.Context, h Handle, buf []byte) (int, error)
	Cancel(ctx context.Context, h Handle) error

	// Identification
	Kind() string
	StatusString(s sane.Status) string
}
