package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scanlink/config"
	"scanlink/device"
	"scanlink/sane"
	"scanlink/scanman"
)

func newTestEngine(t *testing.T, mutate func(c *config.Config)) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Scan.Device = "stub0"
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	e := New(Config{AppConfig: cfg, ConfigPath: path, LogFunc: t.Logf})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return e
}

func TestEngine_StartOpensConfiguredDevice(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.Scan.Options = map[string]interface{}{
			device.OptResolution: 150,
			device.OptMode:       "Gray",
		}
	})

	st := e.GetScanMgr().Status()
	if !st.Session.Open || st.Session.Device != "stub0" {
		t.Fatalf("session = %+v", st.Session)
	}
	if o, ok := e.GetScanMgr().Option(device.OptResolution); !ok || o.Value.Float() != 150 {
		t.Errorf("resolution preset not applied: %v", o.Value)
	}
	if o, ok := e.GetScanMgr().Option(device.OptMode); !ok || o.Value.Text() != "Gray" {
		t.Errorf("mode preset not applied: %v", o.Value)
	}
	if e.GetBackend().Kind() != config.BackendTest {
		t.Errorf("backend = %s", e.GetBackend().Kind())
	}
}

func TestEngine_OpenDevice(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) { c.Scan.Device = "" })
	ctx := context.Background()

	var mu sync.Mutex
	var got []EventType
	e.Events.SubscribeTypes(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	}, EventDeviceOpened, EventDeviceClosed)

	if err := e.OpenDevice(ctx, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty name: %v", err)
	}
	if err := e.OpenDevice(ctx, "nope"); sane.StatusOf(err) != sane.StatusInval {
		t.Errorf("unknown device: %v", err)
	}
	if err := e.OpenDevice(ctx, "stub0"); err != nil {
		t.Fatal(err)
	}
	if err := e.CloseDevice(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != EventDeviceOpened || got[1] != EventDeviceClosed {
		t.Errorf("events = %v", got)
	}
}

func TestEngine_SetOption(t *testing.T) {
	e := newTestEngine(t, nil)

	changes := make(chan scanman.OptionChange, 4)
	e.Events.SubscribeTypes(func(ev Event) {
		changes <- ev.Payload.(scanman.OptionChange)
	}, EventOptionChanged)

	if _, err := e.SetOption(context.Background(), "", 1); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty option name: %v", err)
	}
	if _, err := e.SetOption(context.Background(), device.OptResolution, 300.0); err != nil {
		t.Fatal(err)
	}
	select {
	case ch := <-changes:
		if ch.Name != device.OptResolution || ch.Device != "stub0" || ch.Value.Float() != 300 {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no option event")
	}
}

func TestEngine_Scan(t *testing.T) {
	e := newTestEngine(t, nil)

	done := make(chan Event, 1)
	var mu sync.Mutex
	var seen []EventType
	e.Events.SubscribeTypes(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		if ev.Type == EventScanDone || ev.Type == EventScanFailed {
			done <- ev
		}
	}, EventScanStarted, EventScanFrame, EventScanDone, EventScanFailed)

	info, err := e.Scan(scanman.ScanRequest{Options: map[string]interface{}{
		device.OptBRX:        10.0,
		device.OptBRY:        10.0,
		device.OptResolution: 75,
	}})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-done:
		if ev.Type != EventScanDone {
			t.Fatalf("scan ended with %s", ev.Type)
		}
		if je := ev.Payload.(scanman.JobEvent); je.Job.ID != info.ID {
			t.Errorf("job id = %s, want %s", je.Job.ID, info.ID)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("scan did not finish")
	}

	mu.Lock()
	if len(seen) < 3 || seen[0] != EventScanStarted {
		t.Errorf("events = %v", seen)
	}
	mu.Unlock()

	job, err := e.Job(info.ID)
	if err != nil || len(job.PNG()) == 0 {
		t.Errorf("job lookup: %v", err)
	}
	if _, err := e.Job("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job: %v", err)
	}
}

func TestEngine_SystemOps(t *testing.T) {
	e := newTestEngine(t, nil)

	if err := e.SetNamespace(""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty namespace: %v", err)
	}
	if err := e.SetNamespace("lab"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetWebPort(0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("port 0: %v", err)
	}
	if err := e.SetWebPort(9090); err != nil {
		t.Fatal(err)
	}
	enabled, err := e.ToggleAPI()
	if err != nil || enabled {
		t.Errorf("ToggleAPI = %v, %v", enabled, err)
	}

	saved, err := config.Load(e.GetConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if saved.Namespace != "lab" || saved.Web.Port != 9090 || saved.Web.API.Enabled {
		t.Errorf("saved config = %+v", saved.Web)
	}
}

func TestEngine_Services(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.MQTT = []config.MQTTConfig{{Name: "plant", Broker: "localhost", Port: 1883}}
	})

	svcs := e.Services()
	if len(svcs) != 1 || svcs[0].Kind != ServiceMQTT || svcs[0].Name != "plant" || svcs[0].Running {
		t.Errorf("services = %+v", svcs)
	}

	tests := []struct {
		kind, name string
		want       error
	}{
		{ServiceMQTT, "missing", ErrNotFound},
		{ServiceValkey, "missing", ErrNotFound},
		{ServiceKafka, "missing", ErrNotFound},
		{ServiceAMQP, "missing", ErrNotFound},
		{"ftp", "x", ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if err := e.StartService(tt.kind, tt.name); !errors.Is(err, tt.want) {
				t.Errorf("StartService = %v, want %v", err, tt.want)
			}
			if err := e.StopService(tt.kind, tt.name); !errors.Is(err, tt.want) {
				t.Errorf("StopService = %v, want %v", err, tt.want)
			}
		})
	}

	if err := e.StopService(ServiceMQTT, "plant"); err != nil {
		t.Errorf("stopping an idle broker: %v", err)
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		t    EventType
		want string
	}{
		{EventSessionChanged, "session-changed"},
		{EventScanStarted, scanman.EventScanStart},
		{EventScanDone, scanman.EventScanDone},
		{EventForcePublished, "force-published"},
		{EventType(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
