package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"scanlink/backend"
	"scanlink/config"
	"scanlink/sane"
)

// countingBackend wraps the emulator, counts calls and can inject failures.
type countingBackend struct {
	backend.Backend
	calls map[string]int

	startErr  error
	readErr   error
	cancelErr error
	closeErr  error
}

func newCountingBackend() *countingBackend {
	return &countingBackend{
		Backend: backend.NewTestAdapter(&config.BackendConfig{TestDevices: 2}),
		calls:   make(map[string]int),
	}
}

func (b *countingBackend) Init(ctx context.Context) (sane.Version, error) {
	b.calls["init"]++
	return b.Backend.Init(ctx)
}

func (b *countingBackend) Exit() {
	b.calls["exit"]++
	b.Backend.Exit()
}

func (b *countingBackend) Open(ctx context.Context, name string) (backend.Handle, error) {
	b.calls["open"]++
	return b.Backend.Open(ctx, name)
}

func (b *countingBackend) Close(ctx context.Context, h backend.Handle) error {
	b.calls["close"]++
	if b.closeErr != nil {
		return b.closeErr
	}
	return b.Backend.Close(ctx, h)
}

func (b *countingBackend) ControlOption(ctx context.Context, h backend.Handle, index int, action sane.Action, value []byte) (int32, error) {
	b.calls["control"]++
	return b.Backend.ControlOption(ctx, h, index, action, value)
}

func (b *countingBackend) Start(ctx context.Context, h backend.Handle) error {
	b.calls["start"]++
	if b.startErr != nil {
		return b.startErr
	}
	return b.Backend.Start(ctx, h)
}

func (b *countingBackend) Read(ctx context.Context, h backend.Handle, buf []byte) (int, error) {
	b.calls["read"]++
	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.Backend.Read(ctx, h, buf)
}

func (b *countingBackend) Cancel(ctx context.Context, h backend.Handle) error {
	b.calls["cancel"]++
	if b.cancelErr != nil {
		return b.cancelErr
	}
	return b.Backend.Cancel(ctx, h)
}

func newTestSession(t *testing.T, opts Options) (*Session, *countingBackend) {
	t.Helper()
	b := newCountingBackend()
	s, err := New(b, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, b
}

func openTestSession(t *testing.T, opts Options) (*Session, *countingBackend) {
	t.Helper()
	s, b := newTestSession(t, opts)
	ctx := context.Background()
	if _, err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Open(ctx, "stub0"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, b
}

// optionIndex finds an option by name by probing indices.
func optionIndex(t *testing.T, s *Session, name string) int {
	t.Helper()
	for i := 1; ; i++ {
		d, err := s.OptionDescriptor(context.Background(), i)
		if err != nil {
			t.Fatalf("OptionDescriptor(%d): %v", i, err)
		}
		if d == nil {
			t.Fatalf("no option %q", name)
		}
		if d.Name == name {
			return i
		}
	}
}

func wantStatus(t *testing.T, err error, want sane.Status) {
	t.Helper()
	if got := sane.StatusOf(err); got != want {
		t.Errorf("status = %s (%v), want %s", got, err, want)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Error("New(nil) should fail")
	}
	s, err := New(newCountingBackend(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if s.BufferSize() != DefaultReadBufferSize {
		t.Errorf("BufferSize() = %d, want %d", s.BufferSize(), DefaultReadBufferSize)
	}
	_, err = New(newCountingBackend(), Options{ReadBufferSize: MaxReadBufferSize + 1})
	wantStatus(t, err, sane.StatusNoMem)
}

func TestSession_PreviewScenario(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, Options{})

	v, err := s.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	snap := s.Snapshot()
	if !snap.Initialized || snap.Version == nil || *snap.Version != v || snap.VersionCode != v.Code() {
		t.Errorf("snapshot after init = %+v", snap)
	}

	devs, err := s.Discover(ctx, false)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	found := false
	for _, d := range devs {
		if d.Name == "stub0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stub0 not in %+v", devs)
	}

	if err := s.Open(ctx, "stub0"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	desc, err := s.OptionDescriptor(ctx, 1)
	if err != nil {
		t.Fatalf("OptionDescriptor: %v", err)
	}
	if desc.Name != "preview" || desc.Type != sane.TypeBool || !desc.Capabilities.SoftSelect {
		t.Fatalf("option 1 = %+v", desc)
	}

	info, err := s.SetOptionValue(ctx, 1, true)
	if err != nil {
		t.Fatalf("SetOptionValue: %v", err)
	}
	if info != (sane.Info{}) {
		t.Errorf("info = %+v, want all false", info)
	}
	val, err := s.OptionValue(ctx, 1)
	if err != nil {
		t.Fatalf("OptionValue: %v", err)
	}
	if val.Kind() != sane.KindBool || !val.Bool() {
		t.Errorf("preview = %v, want true", val)
	}
}

func TestSession_StringTruncation(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSession(t, Options{})
	idx := optionIndex(t, s, "imprinter")

	desc, _ := s.OptionDescriptor(ctx, idx)
	if desc.Size != 11 || desc.ElementCount != 10 {
		t.Fatalf("imprinter size=%d count=%d, want 11/10", desc.Size, desc.ElementCount)
	}
	if _, err := s.SetOptionValue(ctx, idx, "a much longer string than ten"); err != nil {
		t.Fatalf("SetOptionValue: %v", err)
	}
	val, err := s.OptionValue(ctx, idx)
	if err != nil {
		t.Fatalf("OptionValue: %v", err)
	}
	if val.Text() != "a much lon" {
		t.Errorf("imprinter = %q, want %q", val.Text(), "a much lon")
	}
}

func TestSession_WrongTypeNeverReachesBackend(t *testing.T) {
	ctx := context.Background()
	s, b := openTestSession(t, Options{})

	tests := []struct {
		name   string
		option string
		value  interface{}
	}{
		{"string for bool", "preview", "yes"},
		{"number for bool", "preview", 1},
		{"bool for fixed", "resolution", true},
		{"vector for scalar", "resolution", []float64{75, 150}},
		{"string for int vector", "gamma-table", "linear"},
		{"number for string", "imprinter", 42},
		{"nil for bool", "preview", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := optionIndex(t, s, tt.option)
			before := b.calls["control"]
			_, err := s.SetOptionValue(ctx, idx, tt.value)
			wantStatus(t, err, sane.StatusInval)
			if b.calls["control"] != before {
				t.Errorf("backend control called %d time(s)", b.calls["control"]-before)
			}
		})
	}
}

func TestSession_FractionTruncatedForInt(t *testing.T) {
	ctx := context.Background()
	s, b := openTestSession(t, Options{})
	idx := optionIndex(t, s, "depth")

	if _, err := s.SetOptionValue(ctx, idx, 16.9); err != nil {
		t.Fatalf("SetOptionValue(16.9): %v", err)
	}
	if b.calls["control"] == 0 {
		t.Fatal("backend control not called")
	}
	val, err := s.OptionValue(ctx, idx)
	if err != nil {
		t.Fatalf("OptionValue: %v", err)
	}
	if val.Kind() != sane.KindInt || val.Int() != 16 {
		t.Errorf("depth = %v, want 16", val)
	}
}

func TestSession_OptionZeroNotSettable(t *testing.T) {
	ctx := context.Background()
	s, b := openTestSession(t, Options{})

	_, err := s.SetOptionValue(ctx, 0, 5)
	wantStatus(t, err, sane.StatusInval)
	_, err = s.SetOptionAuto(ctx, 0)
	wantStatus(t, err, sane.StatusInval)
	if b.calls["control"] != 0 {
		t.Errorf("control calls = %d, want 0", b.calls["control"])
	}

	v, err := s.OptionValue(ctx, 0)
	if err != nil {
		t.Fatalf("OptionValue(0): %v", err)
	}
	if v.Int() <= 1 {
		t.Errorf("option count = %d", v.Int())
	}
}

func TestSession_OptionIndexBounds(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSession(t, Options{})

	if d, err := s.OptionDescriptor(ctx, 1000); d != nil || err != nil {
		t.Errorf("OptionDescriptor(1000) = %v, %v; want nil, nil", d, err)
	}
	if d, err := s.OptionDescriptor(ctx, -1); d != nil || err != nil {
		t.Errorf("OptionDescriptor(-1) = %v, %v; want nil, nil", d, err)
	}
	_, err := s.OptionValue(ctx, 1000)
	wantStatus(t, err, sane.StatusInval)
	_, err = s.SetOptionValue(ctx, -1, true)
	wantStatus(t, err, sane.StatusInval)
}

func TestSession_ButtonAndGroup(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSession(t, Options{})

	idx := optionIndex(t, s, "calibrate")
	if _, err := s.SetOptionValue(ctx, idx, "ignored"); err != nil {
		t.Errorf("press button: %v", err)
	}
	v, err := s.OptionValue(ctx, idx)
	if err != nil || !v.IsNone() {
		t.Errorf("button value = %v, %v; want none", v, err)
	}
}

func TestSession_SetAuto(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSession(t, Options{})

	mode := optionIndex(t, s, "mode")
	threshold := optionIndex(t, s, "threshold")

	_, err := s.SetOptionAuto(ctx, threshold)
	wantStatus(t, err, sane.StatusInval) // inactive outside lineart

	info, err := s.SetOptionValue(ctx, mode, "Lineart")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ReloadOptions || !info.ReloadParams {
		t.Errorf("mode info = %+v, want reload options and params", info)
	}
	if _, err := s.SetOptionValue(ctx, threshold, 80.0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetOptionAuto(ctx, threshold); err != nil {
		t.Fatalf("SetOptionAuto: %v", err)
	}
	v, _ := s.OptionValue(ctx, threshold)
	if v.Float() != 50 {
		t.Errorf("threshold after auto = %v, want 50", v)
	}
}

func TestSession_Sequencing(t *testing.T) {
	ctx := context.Background()

	t.Run("before initialize", func(t *testing.T) {
		s, b := newTestSession(t, Options{})
		_, err := s.Discover(ctx, false)
		wantStatus(t, err, sane.StatusInval)
		wantStatus(t, s.Open(ctx, "stub0"), sane.StatusInval)
		if b.calls["open"] != 0 {
			t.Error("open reached the backend")
		}
	})

	t.Run("start without open", func(t *testing.T) {
		s, b := newTestSession(t, Options{})
		s.Initialize(ctx)
		wantStatus(t, s.Start(ctx), sane.StatusInval)
		_, err := s.Parameters(ctx)
		wantStatus(t, err, sane.StatusInval)
		if b.calls["start"] != 0 {
			t.Error("start reached the backend")
		}
		if s.State() != StateInitialized {
			t.Errorf("state = %s", s.State())
		}
	})

	t.Run("option access without open", func(t *testing.T) {
		s, _ := newTestSession(t, Options{})
		s.Initialize(ctx)
		_, err := s.OptionDescriptor(ctx, 1)
		wantStatus(t, err, sane.StatusInval)
		_, err = s.OptionValue(ctx, 1)
		wantStatus(t, err, sane.StatusInval)
		_, err = s.SetOptionValue(ctx, 0, 1)
		wantStatus(t, err, sane.StatusInval)
	})

	t.Run("second open", func(t *testing.T) {
		s, b := openTestSession(t, Options{})
		wantStatus(t, s.Open(ctx, "stub1"), sane.StatusInval)
		if b.calls["open"] != 1 {
			t.Errorf("open calls = %d, want 1", b.calls["open"])
		}
	})

	t.Run("read without start", func(t *testing.T) {
		s, b := openTestSession(t, Options{})
		_, err := s.Read(ctx)
		wantStatus(t, err, sane.StatusInval)
		if b.calls["read"] != 0 {
			t.Error("read reached the backend")
		}
	})

	t.Run("start twice", func(t *testing.T) {
		s, b := openTestSession(t, Options{})
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		wantStatus(t, s.Start(ctx), sane.StatusInval)
		if b.calls["start"] != 1 {
			t.Errorf("start calls = %d, want 1", b.calls["start"])
		}
		if s.State() != StateAcquiring {
			t.Errorf("state = %s", s.State())
		}
	})
}

func TestSession_InitializeTwice(t *testing.T) {
	ctx := context.Background()

	s, b := newTestSession(t, Options{})
	if _, err := s.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := s.Initialize(ctx)
	wantStatus(t, err, sane.StatusInval)

	s, b = newTestSession(t, Options{AllowReinit: true})
	v1, _ := s.Initialize(ctx)
	v2, err := s.Initialize(ctx)
	if err != nil || v1 != v2 {
		t.Errorf("reinit = %v, %v", v2, err)
	}
	if b.calls["init"] != 1 {
		t.Errorf("backend init calls = %d, want 1", b.calls["init"])
	}
}

func TestSession_NoOpCloseAndCancel(t *testing.T) {
	ctx := context.Background()
	s, b := newTestSession(t, Options{})

	if err := s.Close(ctx); err != nil {
		t.Errorf("Close = %v", err)
	}
	if err := s.Cancel(ctx); err != nil {
		t.Errorf("Cancel = %v", err)
	}
	s.Initialize(ctx)
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close = %v", err)
	}
	if err := s.Cancel(ctx); err != nil {
		t.Errorf("Cancel = %v", err)
	}
	if b.calls["close"] != 0 || b.calls["cancel"] != 0 {
		t.Errorf("backend calls = %v", b.calls)
	}

	// cancel without acquisition is idempotent and stays opened
	if err := s.Open(ctx, "stub0"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Cancel(ctx); err != nil {
			t.Errorf("Cancel = %v", err)
		}
	}
	if s.State() != StateOpened {
		t.Errorf("state = %s, want opened", s.State())
	}
}

func TestSession_CancelAndCloseAbsorbBackendErrors(t *testing.T) {
	ctx := context.Background()
	s, b := openTestSession(t, Options{})
	b.cancelErr = sane.StatusIOError
	b.closeErr = sane.StatusIOError

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx); err != nil {
		t.Errorf("Cancel = %v, want nil", err)
	}
	if s.State() != StateOpened {
		t.Errorf("state after cancel = %s", s.State())
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close = %v, want nil", err)
	}
	if s.State() != StateInitialized {
		t.Errorf("state after close = %s", s.State())
	}
}

func TestSession_BackendErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	s, b := openTestSession(t, Options{})

	jammed := fmt.Errorf("feeder: %w", sane.StatusJammed)
	b.startErr = jammed
	if err := s.Start(ctx); err != jammed {
		t.Errorf("Start err = %v, want the backend error unchanged", err)
	}
	if s.State() != StateOpened {
		t.Errorf("state = %s, want opened", s.State())
	}

	b.startErr = nil
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	b.readErr = sane.StatusIOError
	_, err := s.Read(ctx)
	if !errors.Is(err, sane.StatusIOError) {
		t.Errorf("Read err = %v", err)
	}
	if s.State() != StateAcquiring {
		t.Errorf("state after I/O error = %s, want acquiring", s.State())
	}
	s.Cancel(ctx)
	if s.State() != StateOpened {
		t.Errorf("state after cancel = %s", s.State())
	}
}

func TestSession_ReadFrame(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSession(t, Options{ReadBufferSize: 1024})

	for name, v := range map[string]float64{"br-x": 25.4, "br-y": 25.4, "resolution": 75} {
		if _, err := s.SetOptionValue(ctx, optionIndex(t, s, name), v); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	p, err := s.Parameters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.PixelsPerLine != 75 || p.Lines != 75 || p.Format != sane.FrameGray || !p.LastFrame {
		t.Fatalf("params = %+v", p)
	}

	total := 0
	for {
		chunk, err := s.Read(ctx)
		if len(chunk) > 1024 {
			t.Fatalf("chunk of %d bytes exceeds the staging buffer", len(chunk))
		}
		total += len(chunk)
		if sane.StatusOf(err) == sane.StatusEOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if total != p.BytesPerLine*p.Lines {
		t.Errorf("read %d bytes, want %d", total, p.BytesPerLine*p.Lines)
	}
	if s.State() != StateOpened {
		t.Errorf("state after EOF = %s, want opened", s.State())
	}
	_, err = s.Read(ctx)
	wantStatus(t, err, sane.StatusInval)
}

func TestSession_ThreePassNeedsStartPerFrame(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSession(t, Options{ReadBufferSize: 64 << 10})

	settings := []struct {
		name  string
		value interface{}
	}{
		{"br-x", 10.0}, {"br-y", 10.0}, {"mode", "Color"}, {"three-pass", true},
	}
	for _, st := range settings {
		if _, err := s.SetOptionValue(ctx, optionIndex(t, s, st.name), st.value); err != nil {
			t.Fatalf("set %s: %v", st.name, err)
		}
	}

	var frames []sane.Frame
	for i := 0; i < 5; i++ {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start frame %d: %v", i, err)
		}
		p, _ := s.Parameters(ctx)
		frames = append(frames, p.Format)
		for {
			_, err := s.Read(ctx)
			if sane.StatusOf(err) == sane.StatusEOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
		}
		if p.LastFrame {
			break
		}
	}
	want := []sane.Frame{sane.FrameRed, sane.FrameGreen, sane.FrameBlue}
	if fmt.Sprint(frames) != fmt.Sprint(want) {
		t.Errorf("frames = %v, want %v", frames, want)
	}
}

func TestSession_TeardownFromEveryState(t *testing.T) {
	ctx := context.Background()
	setups := []struct {
		name  string
		setup func(s *Session)
		exits int
	}{
		{"uninitialized", func(s *Session) {}, 0},
		{"initialized", func(s *Session) { s.Initialize(ctx) }, 1},
		{"opened", func(s *Session) { s.Initialize(ctx); s.Open(ctx, "stub0") }, 1},
		{"acquiring", func(s *Session) { s.Initialize(ctx); s.Open(ctx, "stub0"); s.Start(ctx) }, 1},
	}
	for _, tt := range setups {
		t.Run(tt.name, func(t *testing.T) {
			s, b := newTestSession(t, Options{})
			tt.setup(s)
			s.Teardown(ctx)
			if s.State() != StateUninitialized {
				t.Errorf("state = %s, want uninitialized", s.State())
			}
			if b.calls["exit"] != tt.exits {
				t.Errorf("exit calls = %d, want %d", b.calls["exit"], tt.exits)
			}
			if snap := s.Snapshot(); snap.Open || snap.Initialized || snap.Device != "" {
				t.Errorf("snapshot = %+v", snap)
			}
			// the session is usable again
			if _, err := s.Initialize(ctx); err != nil {
				t.Errorf("Initialize after teardown: %v", err)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	if StateAcquiring.String() != "acquiring" || State(9).String() != "State(9)" {
		t.Error("unexpected state names")
	}
}
