package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"scanlink/backend"
	"scanlink/config"
	"scanlink/device"
	"scanlink/history"
	"scanlink/kafka"
	"scanlink/logging"
	"scanlink/mqtt"
	"scanlink/rabbit"
	"scanlink/scanman"
	"scanlink/valkey"
)

// LogFunc is the logging callback signature. Engine never imports the tui package.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc

	// Backend replaces the configured backend when set.
	Backend backend.Backend
}

// Engine owns the device session and everything wired around it: the scan
// manager, the event bus and the sinks. The TUI, REST API and web server
// are thin consumers.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc

	backend backend.Backend
	session *device.Session
	scanMgr *scanman.Manager

	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
	amqpMgr   *rabbit.Manager
	hist      atomic.Pointer[history.Store]

	Events *EventBus

	stopChan chan struct{}
}

// New creates a new Engine. Call Start() to build the session and wiring.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logFn:      logFn,
		backend:    c.Backend,
		Events:     NewEventBus(),
		stopChan:   make(chan struct{}),
	}
}

// Start creates the backend, session and managers, wires callbacks, brings
// the session up, and starts enabled sinks in the background. It returns an
// error only when the session cannot be built; a failed initialize or
// auto-open is logged and left for the operator to retry.
func (e *Engine) Start(ctx context.Context) error {
	cfg := e.cfg

	if e.backend == nil {
		b, err := backend.Create(&cfg.Backend)
		if err != nil {
			return fmt.Errorf("create backend: %w", err)
		}
		e.backend = b
	}

	s, err := device.New(e.backend, device.Options{
		ReadBufferSize: cfg.Session.GetReadBuffer(),
		AllowReinit:    cfg.Session.AllowReinit,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	e.session = s

	e.scanMgr = scanman.NewManager(s, scanman.Config{
		OutputDir: cfg.Scan.OutputDir,
		KeepJobs:  cfg.Scan.GetKeepJobs(),
	})

	e.mqttMgr = mqtt.NewManager()
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	e.valkeyMgr = valkey.NewManager()
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)
	e.kafkaMgr = kafka.NewManager(cfg.Namespace)
	for i := range cfg.Kafka {
		kc := kafka.FromConfig(cfg.Kafka[i], cfg.Namespace)
		e.kafkaMgr.AddCluster(&kc)
	}
	e.amqpMgr = rabbit.NewManager()
	e.amqpMgr.LoadFromConfig(cfg.AMQP, cfg.Namespace)

	e.wire()
	e.scanMgr.Start()

	if v, err := e.scanMgr.Initialize(ctx); err != nil {
		e.logFn("Backend %s failed to initialize: %v", e.backend.Kind(), err)
	} else {
		e.logFn("Backend %s initialized, version %s", e.backend.Kind(), v)
		if cfg.Scan.Device != "" {
			if err := e.OpenDevice(ctx, cfg.Scan.Device); err != nil {
				e.logFn("Auto-open of %s failed: %v", cfg.Scan.Device, err)
			} else {
				e.applyPresets(ctx)
			}
		}
	}

	go e.startSinks()
	return nil
}

// applyPresets writes the configured option presets in scan order.
func (e *Engine) applyPresets(ctx context.Context) {
	for _, name := range scanman.OrderedOptionNames(e.cfg.Scan.Options) {
		if _, err := e.scanMgr.SetOption(ctx, name, e.cfg.Scan.Options[name]); err != nil {
			e.logFn("Preset %s=%v failed: %v", name, e.cfg.Scan.Options[name], err)
		}
	}
}

func (e *Engine) startSinks() {
	if e.cfg.History.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := history.Open(ctx, e.cfg.History)
		cancel()
		if err != nil {
			e.logFn("History store unavailable: %v", err)
		} else {
			e.hist.Store(store)
		}
	}

	if n := e.mqttMgr.StartAll(); n > 0 {
		e.forcePublishMQTT()
	}
	e.valkeyMgr.StartAll()
	e.kafkaMgr.ConnectEnabled()
	e.amqpMgr.StartAll()
}

// Stop cancels any running scan, tears the session down and stops all sinks.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
		return
	default:
		close(e.stopChan)
	}

	if e.scanMgr != nil {
		e.scanMgr.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.scanMgr.Teardown(ctx)
		cancel()
	}
	if e.mqttMgr != nil {
		e.mqttMgr.StopAll()
	}
	if e.valkeyMgr != nil {
		e.valkeyMgr.StopAll()
	}
	if e.kafkaMgr != nil {
		e.kafkaMgr.StopAll()
	}
	if e.amqpMgr != nil {
		e.amqpMgr.StopAll()
	}
	if store := e.hist.Load(); store != nil {
		store.Close()
	}
	logging.DebugLog("engine", "Engine stopped")
}

// Managers provides access to the shared managers.
// *Engine satisfies this interface via its accessor methods.
type Managers interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetScanMgr() *scanman.Manager
	GetMQTTMgr() *mqtt.Manager
	GetValkeyMgr() *valkey.Manager
	GetKafkaMgr() *kafka.Manager
	GetAMQPMgr() *rabbit.Manager
}

// Verify *Engine implements Managers at compile time.
var _ Managers = (*Engine)(nil)

func (e *Engine) GetConfig() *config.Config       { return e.cfg }
func (e *Engine) GetConfigPath() string           { return e.configPath }
func (e *Engine) GetScanMgr() *scanman.Manager    { return e.scanMgr }
func (e *Engine) GetMQTTMgr() *mqtt.Manager       { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager   { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager     { return e.kafkaMgr }
func (e *Engine) GetAMQPMgr() *rabbit.Manager     { return e.amqpMgr }
func (e *Engine) GetHistory() *history.Store      { return e.hist.Load() }
func (e *Engine) GetBackend() backend.Backend     { return e.backend }

// saveConfig is a helper that saves and unlocks; callers hold the config lock.
func (e *Engine) saveConfig() error {
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}
