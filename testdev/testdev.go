// Package testdev emulates scanner devices in process. It serves demos,
// integration tests and the default configuration when no network scanner is
// available.
package testdev

import (
	"fmt"
	"math"
	"sync"

	"scanlink/sane"
)

// Version reported by Init.
var Version = sane.Version{Major: 1, Minor: 0, Build: 1}

// DefaultChunk is the largest number of bytes one Read returns.
const DefaultChunk = 32 * 1024

// Config sizes the emulated library.
type Config struct {
	Devices int // number of devices, named stub0..stubN-1
	Chunk   int // max bytes per Read
}

// DebugLogger is the logging hook used by the emulator.
type DebugLogger interface {
	Log(format string, args ...interface{})
}

// Library is an emulated backend library holding any number of devices, each
// of which can be open at most once.
type Library struct {
	mu          sync.Mutex
	cfg         Config
	initialized bool
	open        map[int32]*device
	nextHandle  int32
	log         DebugLogger
}

// New creates an emulated library.
func New(cfg Config) *Library {
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.Chunk <= 0 {
		cfg.Chunk = DefaultChunk
	}
	return &Library{cfg: cfg, open: make(map[int32]*device)}
}

// SetDebugLogger installs a logger for emulator events.
func (l *Library) SetDebugLogger(logger DebugLogger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = logger
}

func (l *Library) logf(format string, args ...interface{}) {
	if l.log != nil {
		l.log.Log(format, args...)
	}
}

// Init initializes the library.
func (l *Library) Init() (sane.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
	l.logf("init: %d device(s)", l.cfg.Devices)
	return Version, nil
}

// Exit closes every open device and shuts the library down.
func (l *Library) Exit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = make(map[int32]*device)
	l.initialized = false
	l.logf("exit")
}

// Devices lists the emulated devices.
func (l *Library) Devices() ([]sane.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return nil, sane.StatusInval
	}
	devs := make([]sane.Device, l.cfg.Devices)
	for i := range devs {
		devs[i] = sane.Device{
			Name:   deviceName(i),
			Vendor: "scanlink",
			Model:  "Emulated flatbed",
			Type:   "virtual device",
		}
	}
	return devs, nil
}

func deviceName(i int) string {
	return fmt.Sprintf("stub%d", i)
}

// Open opens a device by name. An empty name opens the first device.
func (l *Library) Open(name string) (int32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return 0, sane.StatusInval
	}
	if name == "" {
		name = deviceName(0)
	}
	found := false
	for i := 0; i < l.cfg.Devices; i++ {
		if deviceName(i) == name {
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("testdev: no device %q: %w", name, sane.StatusInval)
	}
	for _, d := range l.open {
		if d.name == name {
			return 0, fmt.Errorf("testdev: %s already open: %w", name, sane.StatusDeviceBusy)
		}
	}
	l.nextHandle++
	l.open[l.nextHandle] = &device{name: name, opts: newOptions(), chunk: l.cfg.Chunk}
	l.logf("open %s handle=%d", name, l.nextHandle)
	return l.nextHandle, nil
}

// Close releases an open device.
func (l *Library) Close(h int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.open[h]; !ok {
		return sane.StatusInval
	}
	delete(l.open, h)
	l.logf("close handle=%d", h)
	return nil
}

func (l *Library) device(h int32) (*device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.open[h]
	if !ok {
		return nil, fmt.Errorf("testdev: unknown handle %d: %w", h, sane.StatusInval)
	}
	return d, nil
}

// Option returns the raw descriptor at index, or nil past the last option.
func (l *Library) Option(h int32, index int) (*sane.RawOption, error) {
	d, err := l.device(h)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.opts) {
		return nil, nil
	}
	raw := d.opts[index].raw
	return &raw, nil
}

// Control gets, sets or auto-sets an option value.
func (l *Library) Control(h int32, index int, action sane.Action, value []byte) (int32, error) {
	d, err := l.device(h)
	if err != nil {
		return 0, err
	}
	return d.control(index, action, value)
}

// Parameters returns the parameters of the current or next frame.
func (l *Library) Parameters(h int32) (sane.Parameters, error) {
	d, err := l.device(h)
	if err != nil {
		return sane.Parameters{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanning {
		return d.params, nil
	}
	return d.computeParams(d.pass), nil
}

// Start begins the next frame.
func (l *Library) Start(h int32) error {
	d, err := l.device(h)
	if err != nil {
		return err
	}
	return d.start()
}

// Read copies the next chunk of frame data into buf.
func (l *Library) Read(h int32, buf []byte) (int, error) {
	d, err := l.device(h)
	if err != nil {
		return 0, err
	}
	return d.read(buf)
}

// Cancel stops the current acquisition.
func (l *Library) Cancel(h int32) error {
	d, err := l.device(h)
	if err != nil {
		return err
	}
	d.cancel()
	return nil
}

type device struct {
	mu    sync.Mutex
	name  string
	opts  []*option
	chunk int

	scanning  bool
	cancelled bool
	pass      int // next frame of a three-pass scan
	params    sane.Parameters
	pos       int
	total     int
}

func (d *device) control(index int, action sane.Action, value []byte) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.opts) {
		return 0, sane.StatusInval
	}
	o := d.opts[index]

	switch action {
	case sane.ActionGetValue:
		if !o.raw.Type.HasValue() || !o.active() || o.raw.Cap&sane.CapSoftDetect == 0 {
			return 0, sane.StatusInval
		}
		if len(value) < len(o.value) {
			return 0, sane.StatusInval
		}
		copy(value, o.value)
		return 0, nil

	case sane.ActionSetValue:
		if d.scanning {
			return 0, sane.StatusDeviceBusy
		}
		if o.raw.Cap&sane.CapSoftSelect == 0 || !o.active() {
			return 0, sane.StatusInval
		}
		if o.raw.Type == sane.TypeButton {
			// calibrate is instantaneous here
			return 0, nil
		}
		if len(value) < len(o.value) {
			return 0, sane.StatusInval
		}
		buf := make([]byte, len(o.value))
		copy(buf, value)
		inexact, err := o.constrain(buf)
		if err != nil {
			return 0, err
		}
		copy(o.value, buf)
		copy(value, buf)

		var info int32
		if inexact {
			info |= sane.InfoInexact
		}
		return info | d.afterSet(index), nil

	case sane.ActionSetAuto:
		if d.scanning {
			return 0, sane.StatusDeviceBusy
		}
		if o.raw.Cap&sane.CapAutomatic == 0 || !o.active() {
			return 0, sane.StatusInval
		}
		sane.PutWord(o.value, 0, fixed(50))
		return 0, nil
	}
	return 0, sane.StatusUnsupported
}

// afterSet updates dependent options and reports what must be reloaded.
func (d *device) afterSet(index int) int32 {
	switch index {
	case optMode:
		mode := d.opts[optMode].text()
		d.opts[optDepth].setActive(mode != ModeLineart)
		d.opts[optThreshold].setActive(mode == ModeLineart)
		d.opts[optThreePass].setActive(mode == ModeColor)
		d.pass = 0
		return sane.InfoReloadOptions | sane.InfoReloadParams
	case optDepth, optResolution, optThreePass, optTLX, optTLY, optBRX, optBRY:
		d.pass = 0
		return sane.InfoReloadParams
	}
	return 0
}

func (d *device) mmToPixels(mm, dpi float64) int {
	if mm <= 0 {
		return 0
	}
	return int(math.Round(mm / 25.4 * dpi))
}

// computeParams derives the frame layout from the current option values.
func (d *device) computeParams(pass int) sane.Parameters {
	mode := d.opts[optMode].text()
	dpi := sane.Unfix(d.opts[optResolution].word(0))
	width := sane.Unfix(d.opts[optBRX].word(0)) - sane.Unfix(d.opts[optTLX].word(0))
	height := sane.Unfix(d.opts[optBRY].word(0)) - sane.Unfix(d.opts[optTLY].word(0))

	p := sane.Parameters{
		Format:        sane.FrameGray,
		LastFrame:     true,
		PixelsPerLine: d.mmToPixels(width, dpi),
		Lines:         d.mmToPixels(height, dpi),
		Depth:         int(d.opts[optDepth].word(0)),
	}
	if mode == ModeLineart {
		p.Depth = 1
	}
	if mode == ModeColor {
		p.Format = sane.FrameRGB
		if d.opts[optThreePass].word(0) != 0 {
			p.Format = sane.FrameRed + sane.Frame(pass)
			p.LastFrame = pass == 2
		}
	}

	channels := p.Channels()
	if p.Depth == 1 {
		p.BytesPerLine = (p.PixelsPerLine + 7) / 8 * channels
	} else {
		p.BytesPerLine = p.PixelsPerLine * channels * p.Depth / 8
	}
	return p
}

func (d *device) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanning {
		return sane.StatusDeviceBusy
	}
	p := d.computeParams(d.pass)
	if p.PixelsPerLine <= 0 || p.Lines <= 0 {
		return fmt.Errorf("testdev: empty scan area: %w", sane.StatusInval)
	}
	d.params = p
	d.scanning = true
	d.cancelled = false
	d.pos = 0
	d.total = p.BytesPerLine * p.Lines
	return nil
}

func (d *device) read(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancelled {
		d.cancelled = false
		return 0, sane.StatusCancelled
	}
	if !d.scanning {
		return 0, sane.StatusInval
	}
	if d.pos >= d.total {
		d.scanning = false
		if d.params.LastFrame {
			d.pass = 0
		} else {
			d.pass++
		}
		return 0, sane.StatusEOF
	}

	n := len(buf)
	if n > d.chunk {
		n = d.chunk
	}
	if n > d.total-d.pos {
		n = d.total - d.pos
	}
	for i := 0; i < n; i++ {
		buf[i] = d.byteAt(d.pos + i)
	}
	d.pos += n
	return n, nil
}

func (d *device) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	// a read still pending reports the cancellation once
	d.cancelled = d.scanning
	d.scanning = false
	d.pass = 0
}

// sample is the synthetic test pattern: a horizontal ramp for gray, vertical
// colour bars for the red, green and blue channels.
func (d *device) sample(x, y, channel int) byte {
	p := d.params
	if p.PixelsPerLine == 0 {
		return 0
	}
	ramp := byte(x * 255 / max(p.PixelsPerLine-1, 1))
	if p.Format == sane.FrameGray {
		return ramp
	}
	if p.Format.Separated() {
		channel = int(p.Format - sane.FrameRed)
	}
	bar := x * 8 / p.PixelsPerLine
	if bar&(1<<channel) != 0 {
		return 0xff - byte(y%64)
	}
	return byte(y % 64)
}

func (d *device) byteAt(offset int) byte {
	p := d.params
	y := offset / p.BytesPerLine
	o := offset % p.BytesPerLine
	channels := p.Channels()

	switch p.Depth {
	case 1:
		var b byte
		group, channel := o/channels, o%channels
		for bit := 0; bit < 8; bit++ {
			x := group*8 + bit
			if x >= p.PixelsPerLine {
				break
			}
			s := d.sample(x, y, channel)
			var set bool
			if p.Format == sane.FrameGray {
				set = s < d.threshold()
			} else {
				set = s >= 0x80
			}
			if set {
				b |= 0x80 >> bit
			}
		}
		return b
	case 16:
		// both bytes of a sample carry the same value, so byte order is moot
		return d.gamma(d.sample(o/2/channels, y, o/2%channels))
	default:
		return d.gamma(d.sample(o/channels, y, o%channels))
	}
}

func (d *device) threshold() byte {
	return byte(sane.Unfix(d.opts[optThreshold].word(0)) * 255 / 100)
}

func (d *device) gamma(s byte) byte {
	return byte(d.opts[optGamma].word(int(s)))
}
