package scanman

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"scanlink/backend"
	"scanlink/config"
	"scanlink/device"
	"scanlink/sane"
)

type eventLog struct {
	mu     sync.Mutex
	events []JobEvent
	opts   []OptionChange
}

func (l *eventLog) job(ev JobEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) option(ch OptionChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = append(l.opts, ch)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.Type != EventScanProgress {
			out = append(out, ev.Type)
		}
	}
	return out
}

// cancelCounter counts backend cancels.
type cancelCounter struct {
	backend.Backend
	mu      sync.Mutex
	cancels int
}

func (c *cancelCounter) Cancel(ctx context.Context, h backend.Handle) error {
	c.mu.Lock()
	c.cancels++
	c.mu.Unlock()
	return c.Backend.Cancel(ctx, h)
}

func (c *cancelCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

func newTestManager(t *testing.T, chunk int, cfg Config) (*Manager, *eventLog) {
	t.Helper()
	return newManagerWithBackend(t, backend.NewTestAdapter(&config.BackendConfig{TestDevices: 1, TestChunk: chunk}), cfg)
}

func newManagerWithBackend(t *testing.T, b backend.Backend, cfg Config) (*Manager, *eventLog) {
	t.Helper()
	s, err := device.New(b, device.Options{ReadBufferSize: 64 << 10})
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(s, cfg)
	log := &eventLog{}
	m.SetOnJobEvent(log.job)
	m.SetOnOptionChange(log.option)
	m.Start()
	t.Cleanup(func() {
		m.Stop()
		m.Teardown(context.Background())
	})

	ctx := context.Background()
	if _, err := m.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Discover(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := m.Open(ctx, "stub0"); err != nil {
		t.Fatal(err)
	}
	return m, log
}

func waitJob(t *testing.T, j *Job) JobInfo {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("job did not finish")
	}
	return j.Info()
}

func TestManager_Status(t *testing.T) {
	m, _ := newTestManager(t, 0, Config{})
	st := m.Status()
	if !st.Session.Open || st.Session.Device != "stub0" || st.Session.StateName != "opened" {
		t.Errorf("session = %+v", st.Session)
	}
	if len(st.Devices) != 1 || st.Devices[0].Name != "stub0" {
		t.Errorf("devices = %+v", st.Devices)
	}
	if st.Options == 0 || len(m.Options()) != st.Options {
		t.Errorf("options = %d / %d", st.Options, len(m.Options()))
	}
	if _, ok := m.Option(device.OptResolution); !ok {
		t.Error("resolution option missing")
	}
}

func TestManager_SetOption(t *testing.T) {
	m, log := newTestManager(t, 0, Config{})
	ctx := context.Background()

	info, err := m.SetOption(ctx, device.OptMode, "Color")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ReloadOptions {
		t.Errorf("info = %+v", info)
	}
	o, _ := m.Option(device.OptMode)
	if o.Value.Text() != "Color" {
		t.Errorf("mode = %v", o.Value)
	}

	desc, err := m.OptionDescriptor(ctx, o.Index)
	if err != nil || desc.Name != device.OptMode {
		t.Fatalf("descriptor = %v, %v", desc, err)
	}
	if _, err := m.SetOptionValue(ctx, o.Index, "Gray"); err != nil {
		t.Fatal(err)
	}
	if o, _ := m.Option(device.OptMode); o.Value.Text() != "Gray" {
		t.Errorf("mode after index set = %v", o.Value)
	}
	v, err := m.OptionValue(ctx, o.Index)
	if err != nil || v.Text() != "Gray" {
		t.Errorf("OptionValue = %v, %v", v, err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.opts) != 2 || log.opts[0].Name != device.OptMode || log.opts[1].Value.Text() != "Gray" {
		t.Errorf("option events = %+v", log.opts)
	}
}

func TestManager_Scan(t *testing.T) {
	dir := t.TempDir()
	m, log := newTestManager(t, 0, Config{OutputDir: dir})

	job, err := m.Scan(ScanRequest{Options: map[string]interface{}{
		device.OptBRX:        10.0,
		device.OptBRY:        20.0,
		device.OptResolution: 75,
	}})
	if err != nil {
		t.Fatal(err)
	}
	info := waitJob(t, job)
	if info.State != "done" || info.Status != sane.StatusGood {
		t.Fatalf("job = %+v", info)
	}
	if info.Width != 30 || info.Height != 59 {
		t.Errorf("size = %dx%d, want 30x59", info.Width, info.Height)
	}
	if len(info.Frames) != 1 || info.Bytes != int64(info.Frames[0].BytesPerLine*info.Frames[0].Lines) {
		t.Errorf("frames=%+v bytes=%d", info.Frames, info.Bytes)
	}

	data, err := os.ReadFile(info.Output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(data, job.PNG()) {
		t.Error("file differs from the in-memory PNG")
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("decode: %v", err)
	}

	want := []string{EventScanStart, EventScanFrame, EventScanDone}
	if got := log.types(); len(got) != len(want) || got[0] != want[0] || got[2] != want[2] {
		t.Errorf("events = %v, want %v", got, want)
	}
	if m.Status().CurrentJob != "" || m.Status().Session.Acquiring {
		t.Errorf("status after scan = %+v", m.Status())
	}
	if jobs := m.Jobs(); len(jobs) != 1 || jobs[0].ID != job.ID() {
		t.Errorf("jobs = %+v", jobs)
	}
	if j, ok := m.Job(job.ID()); !ok || j != job {
		t.Error("Job lookup failed")
	}
}

func TestManager_ScanThreePass(t *testing.T) {
	m, _ := newTestManager(t, 0, Config{})
	job, err := m.Scan(ScanRequest{Options: map[string]interface{}{
		"three-pass":   true,
		device.OptMode: "Color",
		device.OptBRX:  10.0,
		device.OptBRY:  10.0,
	}})
	if err != nil {
		t.Fatal(err)
	}
	info := waitJob(t, job)
	if info.State != "done" {
		t.Fatalf("job = %+v", info)
	}
	if len(info.Frames) != 3 || info.Frames[2].Format != sane.FrameBlue || !info.Frames[2].LastFrame {
		t.Errorf("frames = %+v", info.Frames)
	}
	if !info.HasImage || info.Width != 30 {
		t.Errorf("image %dx%d has=%v", info.Width, info.Height, info.HasImage)
	}
}

func TestManager_CompletedScanCancelsOnce(t *testing.T) {
	b := &cancelCounter{Backend: backend.NewTestAdapter(&config.BackendConfig{TestDevices: 1})}
	m, _ := newManagerWithBackend(t, b, Config{})

	tests := []struct {
		name string
		opts map[string]interface{}
	}{
		{"gray", map[string]interface{}{device.OptBRX: 10.0, device.OptBRY: 10.0}},
		{"three-pass", map[string]interface{}{
			device.OptMode: "Color", "three-pass": true, device.OptBRX: 10.0, device.OptBRY: 10.0,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := b.count()
			job, err := m.Scan(ScanRequest{NoImage: true, Options: tt.opts})
			if err != nil {
				t.Fatal(err)
			}
			if info := waitJob(t, job); info.State != "done" {
				t.Fatalf("job = %+v", info)
			}
			if got := b.count() - before; got != 1 {
				t.Errorf("backend cancels after completed scan = %d, want 1", got)
			}
			if m.Status().Session.Acquiring {
				t.Error("session still acquiring")
			}
		})
	}
}

func TestManager_ScanFailures(t *testing.T) {
	m, _ := newTestManager(t, 0, Config{})

	job, err := m.Scan(ScanRequest{Options: map[string]interface{}{"no-such-option": 1}})
	if err != nil {
		t.Fatal(err)
	}
	info := waitJob(t, job)
	if info.State != "failed" || info.Status != sane.StatusInval {
		t.Errorf("bad option job = %+v", info)
	}

	job, err = m.Scan(ScanRequest{Options: map[string]interface{}{
		device.OptDepth: 16, device.OptBRX: 5.0, device.OptBRY: 5.0,
	}})
	if err != nil {
		t.Fatal(err)
	}
	info = waitJob(t, job)
	if info.State != "failed" || info.Status != sane.StatusUnsupported || info.Bytes == 0 {
		t.Errorf("16-bit job = %+v", info)
	}

	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Scan(ScanRequest{}); sane.StatusOf(err) != sane.StatusInval {
		t.Errorf("scan without device err = %v", err)
	}
}

func TestManager_CancelScan(t *testing.T) {
	m, log := newTestManager(t, 512, Config{})
	ctx := context.Background()

	job, err := m.Scan(ScanRequest{NoImage: true, Options: map[string]interface{}{
		device.OptResolution: 1200,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Scan(ScanRequest{}); !errors.Is(err, ErrBusy) {
		t.Errorf("second scan err = %v, want ErrBusy", err)
	}
	if err := m.Cancel(ctx); err != nil {
		t.Errorf("Cancel = %v", err)
	}
	info := waitJob(t, job)
	if info.State != "cancelled" || info.Status != sane.StatusCancelled {
		t.Errorf("job = %+v", info)
	}
	if got := log.types(); got[len(got)-1] != EventScanCancelled {
		t.Errorf("events = %v", got)
	}
	if st := m.Status().Session; st.Acquiring || !st.Open {
		t.Errorf("session after cancel = %+v", st)
	}

	// the device is usable again
	job, err = m.Scan(ScanRequest{NoImage: true, Options: map[string]interface{}{
		device.OptResolution: 75, device.OptBRX: 5.0, device.OptBRY: 5.0,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if info := waitJob(t, job); info.State != "done" {
		t.Errorf("follow-up job = %+v", info)
	}
}

func TestManager_CancelWithoutScan(t *testing.T) {
	m, _ := newTestManager(t, 0, Config{})
	if err := m.Cancel(context.Background()); err != nil {
		t.Errorf("Cancel = %v", err)
	}
	m.Teardown(context.Background())
	if st := m.Status().Session; st.Initialized {
		t.Errorf("session after teardown = %+v", st)
	}
	if err := m.Cancel(context.Background()); err != nil {
		t.Errorf("Cancel after teardown = %v", err)
	}
}

func TestManager_KeepJobs(t *testing.T) {
	m, _ := newTestManager(t, 0, Config{KeepJobs: 2})
	var last *Job
	for i := 0; i < 4; i++ {
		job, err := m.Scan(ScanRequest{NoImage: true, Options: map[string]interface{}{
			device.OptBRX: 2.0, device.OptBRY: 2.0,
		}})
		if err != nil {
			t.Fatal(err)
		}
		waitJob(t, job)
		last = job
	}
	jobs := m.Jobs()
	if len(jobs) > 3 {
		t.Errorf("kept %d jobs, want at most 3", len(jobs))
	}
	if jobs[0].ID != last.ID() {
		t.Errorf("newest job = %s, want %s", jobs[0].ID, last.ID())
	}
}

func TestOrderedOptionNames(t *testing.T) {
	got := OrderedOptionNames(map[string]interface{}{
		"br-y": 1, "zeta": 1, "mode": 1, "alpha": 1, "resolution": 1,
	})
	want := []string{"mode", "resolution", "br-y", "alpha", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
