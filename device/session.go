// Package device holds the scanner session: the lifecycle of one backend
// connection and typed access to its options.
package device

import (
	"context"
	"fmt"

	"scanlink/backend"
	"scanlink/logging"
	"scanlink/sane"
)

// Staging buffer limits.
const (
	DefaultReadBufferSize = 2 << 20
	MaxReadBufferSize     = 64 << 20
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("session", format, args...)
}

// State is a session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateOpened
	StateAcquiring
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateOpened:
		return "opened"
	case StateAcquiring:
		return "acquiring"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tune a Session.
type Options struct {
	// ReadBufferSize is the staging buffer capacity used by Read.
	ReadBufferSize int
	// AllowReinit makes a repeated Initialize succeed instead of failing
	// with StatusInval.
	AllowReinit bool
}

// Snapshot describes a session at one point in time.
type Snapshot struct {
	State       State         `json:"-"`
	StateName   string        `json:"state"`
	Backend     string        `json:"backend"`
	Initialized bool          `json:"initialized"`
	Version     *sane.Version `json:"version,omitempty"`
	VersionCode int32         `json:"version_code"`
	Open        bool          `json:"open"`
	Acquiring   bool          `json:"acquiring"`
	Device      string        `json:"device,omitempty"`
}

// Session drives a single backend connection through its lifecycle:
//
//	Uninitialized -> Initialized -> Opened -> Acquiring
//
// Calls out of sequence fail with StatusInval before the backend is touched.
// Backend errors are returned unchanged.
//
// A Session is not safe for concurrent use; callers serialize access (see
// scanman.Manager).
type Session struct {
	backend backend.Backend
	opts    Options

	version   *sane.Version
	handle    *backend.Handle
	device    string
	acquiring bool

	buf []byte
}

// New creates an uninitialized session over b.
func New(b backend.Backend, opts Options) (*Session, error) {
	if b == nil {
		return nil, fmt.Errorf("nil backend")
	}
	if opts.ReadBufferSize == 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.ReadBufferSize < 0 || opts.ReadBufferSize > MaxReadBufferSize {
		return nil, fmt.Errorf("read buffer of %d bytes: %w", opts.ReadBufferSize, sane.StatusNoMem)
	}
	return &Session{backend: b, opts: opts}, nil
}

// Backend returns the backend behind the session.
func (s *Session) Backend() backend.Backend {
	return s.backend
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	switch {
	case s.version == nil:
		return StateUninitialized
	case s.handle == nil:
		return StateInitialized
	case s.acquiring:
		return StateAcquiring
	default:
		return StateOpened
	}
}

// Snapshot returns the current state with version and device details.
func (s *Session) Snapshot() Snapshot {
	st := s.State()
	snap := Snapshot{
		State:       st,
		StateName:   st.String(),
		Backend:     s.backend.Kind(),
		Initialized: s.version != nil,
		Open:        s.handle != nil,
		Acquiring:   s.acquiring,
		Device:      s.device,
	}
	if s.version != nil {
		v := *s.version
		snap.Version = &v
		snap.VersionCode = v.Code()
	}
	return snap
}

func sequenceError(op string, st State) error {
	return fmt.Errorf("%s while %s: %w", op, st, sane.StatusInval)
}

// Initialize initializes the backend library and records its version.
func (s *Session) Initialize(ctx context.Context) (sane.Version, error) {
	if s.version != nil {
		if s.opts.AllowReinit {
			return *s.version, nil
		}
		return sane.Version{}, sequenceError("initialize", s.State())
	}
	v, err := s.backend.Init(ctx)
	if err != nil {
		return sane.Version{}, err
	}
	s.version = &v
	debugLog("initialized %s backend, version %s", s.backend.Kind(), v)
	return v, nil
}

// Discover lists the devices the backend currently sees. The list is queried
// on every call.
func (s *Session) Discover(ctx context.Context, localOnly bool) ([]sane.Device, error) {
	if s.version == nil {
		return nil, sequenceError("discover", s.State())
	}
	devs, err := s.backend.Devices(ctx, localOnly)
	if err != nil {
		return nil, err
	}
	debugLog("discovered %d device(s)", len(devs))
	return devs, nil
}

// Open opens the named device. Only one device may be open at a time.
func (s *Session) Open(ctx context.Context, name string) error {
	if s.version == nil || s.handle != nil {
		return sequenceError("open", s.State())
	}
	h, err := s.backend.Open(ctx, name)
	if err != nil {
		return err
	}
	s.handle = &h
	s.device = name
	s.acquiring = false
	debugLog("opened %q handle=%d", name, h)
	return nil
}

// Close releases the open device. Closing with nothing open is a no-op, and
// a failing backend close still releases the session's connection.
func (s *Session) Close(ctx context.Context) error {
	if s.handle == nil {
		return nil
	}
	if err := s.backend.Close(ctx, *s.handle); err != nil {
		logging.DebugError("session", "close "+s.device, err)
	}
	debugLog("closed %q", s.device)
	s.handle = nil
	s.device = ""
	s.acquiring = false
	return nil
}

// OptionDescriptor returns the descriptor of option index, or nil when the
// index names no option.
func (s *Session) OptionDescriptor(ctx context.Context, index int) (*sane.OptionDescriptor, error) {
	if s.handle == nil {
		return nil, sequenceError("get option descriptor", s.State())
	}
	if index < 0 {
		return nil, nil
	}
	raw, err := s.backend.OptionDescriptor(ctx, *s.handle, index)
	if err != nil {
		return nil, err
	}
	return sane.DecodeDescriptor(index, raw), nil
}

func (s *Session) descriptor(ctx context.Context, op string, index int) (*sane.OptionDescriptor, error) {
	if s.handle == nil {
		return nil, sequenceError(op, s.State())
	}
	desc, err := s.OptionDescriptor(ctx, index)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, fmt.Errorf("%s: no option %d: %w", op, index, sane.StatusInval)
	}
	return desc, nil
}

// OptionValue reads the current value of option index.
func (s *Session) OptionValue(ctx context.Context, index int) (sane.Value, error) {
	desc, err := s.descriptor(ctx, "get option value", index)
	if err != nil {
		return sane.Value{}, err
	}
	if !desc.Type.HasValue() {
		return sane.NoValue(), nil
	}
	if desc.Size > sane.MaxValueSize {
		return sane.Value{}, fmt.Errorf("option %q declares %d bytes: %w", desc.Name, desc.Size, sane.StatusNoMem)
	}
	buf := make([]byte, desc.Size)
	if _, err := s.backend.ControlOption(ctx, *s.handle, index, sane.ActionGetValue, buf); err != nil {
		return sane.Value{}, err
	}
	return sane.DecodeValue(desc, buf)
}

// SetOptionValue validates value against the option and writes it. Option 0
// is never settable. The returned Info tells the caller what to refresh.
func (s *Session) SetOptionValue(ctx context.Context, index int, value interface{}) (sane.Info, error) {
	if index == 0 && s.handle != nil {
		return sane.Info{}, fmt.Errorf("option 0 is read-only: %w", sane.StatusInval)
	}
	desc, err := s.descriptor(ctx, "set option value", index)
	if err != nil {
		return sane.Info{}, err
	}
	raw, err := sane.EncodeValue(desc, value)
	if err != nil {
		return sane.Info{}, err
	}
	info, err := s.backend.ControlOption(ctx, *s.handle, index, sane.ActionSetValue, raw)
	if err != nil {
		return sane.Info{}, err
	}
	debugLog("set option %d (%s) info=%#x", index, desc.Name, info)
	return sane.DecodeInfo(info), nil
}

// SetOptionAuto asks the backend to choose the value of option index.
func (s *Session) SetOptionAuto(ctx context.Context, index int) (sane.Info, error) {
	if index == 0 && s.handle != nil {
		return sane.Info{}, fmt.Errorf("option 0 is read-only: %w", sane.StatusInval)
	}
	desc, err := s.descriptor(ctx, "set option auto", index)
	if err != nil {
		return sane.Info{}, err
	}
	info, err := s.backend.ControlOption(ctx, *s.handle, index, sane.ActionSetAuto, nil)
	if err != nil {
		return sane.Info{}, err
	}
	debugLog("set option %d (%s) automatic info=%#x", index, desc.Name, info)
	return sane.DecodeInfo(info), nil
}

// Parameters returns the acquisition parameters of the current or next frame.
func (s *Session) Parameters(ctx context.Context) (sane.Parameters, error) {
	if s.handle == nil {
		return sane.Parameters{}, sequenceError("get parameters", s.State())
	}
	return s.backend.Parameters(ctx, *s.handle)
}

// Start starts acquiring the next frame.
func (s *Session) Start(ctx context.Context) error {
	if s.handle == nil || s.acquiring {
		return sequenceError("start", s.State())
	}
	if err := s.backend.Start(ctx, *s.handle); err != nil {
		return err
	}
	s.acquiring = true
	debugLog("started %q", s.device)
	return nil
}

// Read fills the staging buffer with the next chunk of frame data and
// returns the filled part. The slice is only valid until the next Read.
//
// StatusEOF ends the frame and StatusCancelled ends the acquisition; both
// return the session to Opened. Other errors leave it acquiring so the caller
// can cancel.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	if s.handle == nil || !s.acquiring {
		return nil, sequenceError("read", s.State())
	}
	if s.buf == nil {
		s.buf = make([]byte, s.opts.ReadBufferSize)
	}
	n, err := s.backend.Read(ctx, *s.handle, s.buf)
	if n < 0 || n > len(s.buf) {
		n = 0
	}
	if err != nil {
		switch sane.StatusOf(err) {
		case sane.StatusEOF, sane.StatusCancelled:
			s.acquiring = false
			debugLog("read ended: %v", err)
		}
		return s.buf[:n], err
	}
	return s.buf[:n], nil
}

// BufferSize returns the staging buffer capacity.
func (s *Session) BufferSize() int {
	return s.opts.ReadBufferSize
}

// Cancel stops the acquisition in progress and returns to Opened. It always
// succeeds; a backend failure is only logged.
func (s *Session) Cancel(ctx context.Context) error {
	if s.handle == nil {
		return nil
	}
	if err := s.backend.Cancel(ctx, *s.handle); err != nil {
		logging.DebugError("session", "cancel "+s.device, err)
	}
	if s.acquiring {
		debugLog("cancelled %q", s.device)
	}
	s.acquiring = false
	return nil
}

// Teardown closes the device and shuts the backend down, from any state.
func (s *Session) Teardown(ctx context.Context) {
	if s.handle != nil {
		if s.acquiring {
			s.Cancel(ctx)
		}
		s.Close(ctx)
	}
	if s.version != nil {
		s.backend.Exit()
		debugLog("backend exited")
	}
	s.version = nil
	s.handle = nil
	s.device = ""
	s.acquiring = false
	s.buf = nil
}

// StatusString returns the backend's description of a status.
func (s *Session) StatusString(st sane.Status) string {
	return s.backend.StatusString(st)
}
