// Package scanman runs the scanner session on behalf of every host surface:
// it queues session operations, runs scan jobs and publishes their progress.
package scanman

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scanlink/device"
	"scanlink/logging"
	"scanlink/sane"
)

// Event types published for scan jobs and option changes.
const (
	EventScanStart     = "scan-start"
	EventScanFrame     = "scan-frame"
	EventScanProgress  = "scan-progress"
	EventScanDone      = "scan-done"
	EventScanFailed    = "scan-failed"
	EventScanCancelled = "scan-cancelled"
)

// maxFrames bounds the frames of one scan.
const maxFrames = 16

// ErrBusy is returned when a scan is requested while another one runs.
var ErrBusy = errors.New("a scan is already running")

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("scan", format, args...)
}

// JobEvent reports progress of a scan job.
type JobEvent struct {
	Type   string           `json:"type"`
	Job    JobInfo          `json:"job"`
	Params *sane.Parameters `json:"params,omitempty"`
	Bytes  int64            `json:"bytes,omitempty"`
}

// OptionChange reports a value written to an option.
type OptionChange struct {
	Device string     `json:"device"`
	Name   string     `json:"name"`
	Index  int        `json:"index"`
	Value  sane.Value `json:"value"`
	Info   sane.Info  `json:"info"`
}

// Status is a snapshot of the manager.
type Status struct {
	Session    device.Snapshot `json:"session"`
	Devices    []sane.Device   `json:"devices"`
	Options    int             `json:"options"`
	CurrentJob string          `json:"current_job,omitempty"`
	Jobs       int             `json:"jobs"`
}

// Config tunes a Manager.
type Config struct {
	OutputDir        string        // PNG results are written here when set
	KeepJobs         int           // finished jobs kept in memory
	ProgressInterval time.Duration // minimum spacing of progress events
}

// Manager serializes every operation on one device.Session. Calls from any
// goroutine are queued on an internal mutex, and scans run in the background
// while holding it.
type Manager struct {
	session *device.Session
	cfg     Config

	opMu    sync.Mutex // held for the whole of each session operation
	options *device.OptionSet

	mu       sync.RWMutex // guards the snapshots and job list below
	snap     device.Snapshot
	devices  []sane.Device
	optSnap  []device.Option
	jobs     []*Job
	byID     map[string]*Job
	current  *Job
	jobWG    sync.WaitGroup
	onChange func()
	onJob    func(JobEvent)
	onOption func(OptionChange)

	statusDirty int32
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a manager for s.
func NewManager(s *device.Session, cfg Config) *Manager {
	if cfg.KeepJobs <= 0 {
		cfg.KeepJobs = 50
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}
	return &Manager{
		session: s,
		cfg:     cfg,
		snap:    s.Snapshot(),
		byID:    make(map[string]*Job),
	}
}

// SetOnChange sets a callback that fires, batched, when the status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnJobEvent sets a callback for job events. It runs on the scanning
// goroutine and must not call back into the manager.
func (m *Manager) SetOnJobEvent(fn func(JobEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJob = fn
}

// SetOnOptionChange sets a callback for option writes.
func (m *Manager) SetOnOptionChange(fn func(OptionChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOption = fn
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// Start begins the batched status notification loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	ctx := m.ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.updateLoop(ctx)
}

// Stop cancels a running scan, waits for it and stops the update loop. The
// session itself is left as is; see Teardown.
func (m *Manager) Stop() {
	m.mu.Lock()
	cur := m.current
	cancel := m.cancel
	m.mu.Unlock()

	if cur != nil {
		cur.cancel()
	}
	m.jobWG.Wait()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

func (m *Manager) updateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}
		}
	}
}

// refresh copies session and option state for lock-free readers. Must hold
// opMu.
func (m *Manager) refresh() {
	snap := m.session.Snapshot()
	var opts []device.Option
	if m.options != nil && snap.Open {
		for _, o := range m.options.All() {
			opts = append(opts, *o)
		}
	}
	m.mu.Lock()
	m.snap = snap
	m.optSnap = opts
	m.mu.Unlock()
	m.markStatusDirty()
}

func (m *Manager) emitJob(ev JobEvent) {
	m.mu.RLock()
	fn := m.onJob
	m.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (m *Manager) emitOption(ch OptionChange) {
	m.mu.RLock()
	fn := m.onOption
	m.mu.RUnlock()
	if fn != nil {
		fn(ch)
	}
}

// Session operations. Each one holds opMu for its whole duration.

// Initialize initializes the backend.
func (m *Manager) Initialize(ctx context.Context) (sane.Version, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.refresh()
	return m.session.Initialize(ctx)
}

// Discover queries the backend for devices.
func (m *Manager) Discover(ctx context.Context, localOnly bool) ([]sane.Device, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	devs, err := m.session.Discover(ctx, localOnly)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.devices = append([]sane.Device(nil), devs...)
	m.mu.Unlock()
	m.markStatusDirty()
	return devs, nil
}

// Open opens a device and loads its options.
func (m *Manager) Open(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.refresh()

	if err := m.session.Open(ctx, name); err != nil {
		return err
	}
	opts, err := device.LoadOptions(ctx, m.session)
	if err != nil {
		logging.DebugError("scan", "load options of "+name, err)
		m.options = nil
		return nil
	}
	m.options = opts
	return nil
}

// Close closes the open device.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.refresh()
	m.options = nil
	return m.session.Close(ctx)
}

// OptionDescriptor returns the descriptor at index, or nil past the end.
func (m *Manager) OptionDescriptor(ctx context.Context, index int) (*sane.OptionDescriptor, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.session.OptionDescriptor(ctx, index)
}

// OptionValue reads option index from the device.
func (m *Manager) OptionValue(ctx context.Context, index int) (sane.Value, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.session.OptionValue(ctx, index)
}

// SetOptionValue writes option index.
func (m *Manager) SetOptionValue(ctx context.Context, index int, value interface{}) (sane.Info, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	info, err := m.session.SetOptionValue(ctx, index, value)
	if err != nil {
		return info, err
	}
	m.afterIndexSet(ctx, index, info)
	return info, nil
}

// SetOptionAuto lets the backend choose the value of option index.
func (m *Manager) SetOptionAuto(ctx context.Context, index int) (sane.Info, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	info, err := m.session.SetOptionAuto(ctx, index)
	if err != nil {
		return info, err
	}
	m.afterIndexSet(ctx, index, info)
	return info, nil
}

// afterIndexSet brings the option set up to date after a write by index.
// Must hold opMu.
func (m *Manager) afterIndexSet(ctx context.Context, index int, info sane.Info) {
	if m.options != nil {
		if err := m.options.Reload(ctx, m.session); err != nil {
			logging.DebugError("scan", "reload options", err)
		}
	}
	m.refresh()

	ch := OptionChange{Device: m.session.Snapshot().Device, Index: index, Info: info}
	if m.options != nil {
		for _, o := range m.options.All() {
			if o.Index == index {
				ch.Name = o.Name
				ch.Value = o.Value
			}
		}
	}
	m.emitOption(ch)
}

// Options returns the last known options of the open device.
func (m *Manager) Options() []device.Option {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]device.Option(nil), m.optSnap...)
}

// Option returns the last known state of a named option.
func (m *Manager) Option(name string) (device.Option, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.optSnap {
		if o.Name == name {
			return o, true
		}
	}
	return device.Option{}, false
}

// SetOption writes an option by name; a nil value selects automatic.
func (m *Manager) SetOption(ctx context.Context, name string, value interface{}) (sane.Info, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.setOptionLocked(ctx, name, value)
}

func (m *Manager) setOptionLocked(ctx context.Context, name string, value interface{}) (sane.Info, error) {
	if m.options == nil {
		if m.session.State() < device.StateOpened {
			return sane.Info{}, fmt.Errorf("set option %q: no device open: %w", name, sane.StatusInval)
		}
		opts, err := device.LoadOptions(ctx, m.session)
		if err != nil {
			return sane.Info{}, err
		}
		m.options = opts
	}
	info, err := m.options.Set(ctx, m.session, name, value)
	if err != nil {
		return info, err
	}
	m.refresh()

	ch := OptionChange{Device: m.session.Snapshot().Device, Name: name, Info: info}
	if o, ok := m.options.Lookup(name); ok {
		ch.Index = o.Index
		ch.Value = o.Value
	}
	m.emitOption(ch)
	return info, nil
}

// Parameters returns the current acquisition parameters.
func (m *Manager) Parameters(ctx context.Context) (sane.Parameters, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.session.Parameters(ctx)
}

// Cancel cancels the running scan. Without one it cancels the session
// directly. It always succeeds.
func (m *Manager) Cancel(ctx context.Context) error {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur != nil {
		cur.cancel()
		select {
		case <-cur.Done():
		case <-ctx.Done():
		}
		return nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.refresh()
	return m.session.Cancel(ctx)
}

// Teardown cancels any scan and returns the session to uninitialized.
func (m *Manager) Teardown(ctx context.Context) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur != nil {
		cur.cancel()
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.session.Teardown(ctx)
	m.options = nil
	m.refresh()
}

// StatusString describes a status the way the backend does.
func (m *Manager) StatusString(s sane.Status) string {
	return m.session.StatusString(s)
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Session: m.snap,
		Devices: append([]sane.Device(nil), m.devices...),
		Options: len(m.optSnap),
		Jobs:    len(m.jobs),
	}
	if m.current != nil {
		st.CurrentJob = m.current.id
	}
	return st
}

// Jobs returns the known jobs, newest first.
func (m *Manager) Jobs() []JobInfo {
	m.mu.RLock()
	jobs := append([]*Job(nil), m.jobs...)
	m.mu.RUnlock()

	infos := make([]JobInfo, 0, len(jobs))
	for i := len(jobs) - 1; i >= 0; i-- {
		infos = append(infos, jobs[i].Info())
	}
	return infos
}

// Job finds a job by ID.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.byID[id]
	return j, ok
}

// Scan starts a scan job in the background. It fails with ErrBusy while
// another scan runs and with StatusInval when no device is open.
func (m *Manager) Scan(req ScanRequest) (*Job, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	if !m.snap.Open {
		m.mu.Unlock()
		return nil, fmt.Errorf("scan: no device open: %w", sane.StatusInval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:      uuid.New().String(),
		device:  m.snap.Device,
		request: req,
		created: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.current = job
	m.jobs = append(m.jobs, job)
	m.byID[job.id] = job
	m.trimJobsLocked()
	m.jobWG.Add(1)
	m.mu.Unlock()
	m.markStatusDirty()

	debugLog("job %s queued on %s", job.id, job.device)
	go m.runJob(ctx, job)
	return job, nil
}

// trimJobsLocked drops the oldest finished jobs beyond the limit.
func (m *Manager) trimJobsLocked() {
	for len(m.jobs) > m.cfg.KeepJobs {
		idx := -1
		for i, j := range m.jobs {
			if j != m.current && j.State().Finished() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		delete(m.byID, m.jobs[idx].id)
		m.jobs = append(m.jobs[:idx], m.jobs[idx+1:]...)
	}
}

func (m *Manager) runJob(ctx context.Context, job *Job) {
	defer m.jobWG.Done()
	defer job.cancel()

	m.opMu.Lock()
	job.setRunning()
	m.emitJob(JobEvent{Type: EventScanStart, Job: job.Info()})
	frames, err := m.acquire(ctx, job)

	state := JobDone
	if err == nil && !job.request.NoImage {
		err = m.render(job, frames)
	}
	if err != nil {
		state = JobFailed
		if ctx.Err() != nil || sane.StatusOf(err) == sane.StatusCancelled {
			state = JobCancelled
		}
	}
	m.refresh()
	m.opMu.Unlock()

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	job.finish(state, err)
	m.markStatusDirty()

	ev := JobEvent{Job: job.Info()}
	switch state {
	case JobDone:
		ev.Type = EventScanDone
		debugLog("job %s done: %d bytes in %d frame(s)", job.id, ev.Job.Bytes, len(frames))
	case JobCancelled:
		ev.Type = EventScanCancelled
		debugLog("job %s cancelled", job.id)
	default:
		ev.Type = EventScanFailed
		logging.DebugError("scan", "job "+job.id, err)
	}
	m.emitJob(ev)
}

// applyOrder lists options whose values constrain others, so they are set
// first.
var applyOrder = []string{device.OptMode, device.OptDepth, device.OptResolution,
	device.OptTLX, device.OptTLY, device.OptBRX, device.OptBRY}

// OrderedOptionNames returns the keys of opts in the order they should be
// written: mode, depth and resolution first, then the scan area, then the
// rest alphabetically.
func OrderedOptionNames(opts map[string]interface{}) []string {
	rank := make(map[string]int, len(applyOrder))
	for i, n := range applyOrder {
		rank[n] = i + 1
	}
	names := make([]string, 0, len(opts))
	for n := range opts {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := rank[names[i]], rank[names[j]]
		if ri == 0 {
			ri = len(applyOrder) + 1
		}
		if rj == 0 {
			rj = len(applyOrder) + 1
		}
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

// acquire reads every frame of one scan. Must hold opMu.
func (m *Manager) acquire(ctx context.Context, job *Job) ([]Frame, error) {
	s := m.session
	for _, name := range OrderedOptionNames(job.request.Options) {
		if _, err := m.setOptionLocked(ctx, name, job.request.Options[name]); err != nil {
			return nil, fmt.Errorf("option %q: %w", name, err)
		}
	}

	var frames []Frame
	for i := 0; i < maxFrames; i++ {
		if ctx.Err() != nil {
			return nil, sane.StatusCancelled
		}
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
		m.refresh()

		p, err := s.Parameters(ctx)
		if err != nil {
			s.Cancel(context.Background())
			return nil, err
		}
		job.addFrame(p)
		params := p
		m.emitJob(JobEvent{Type: EventScanFrame, Job: job.Info(), Params: &params})

		data, err := m.readFrame(ctx, job, p, !job.request.NoImage)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Params: p, Data: data})
		if p.LastFrame {
			// Every acquisition ends with a cancel, including a complete one.
			s.Cancel(ctx)
			return frames, nil
		}
	}
	s.Cancel(context.Background())
	return nil, fmt.Errorf("more than %d frames: %w", maxFrames, sane.StatusInval)
}

// readFrame reads one frame until end of file. With keep set every chunk is
// copied out of the session's staging buffer; otherwise only counted.
func (m *Manager) readFrame(ctx context.Context, job *Job, p sane.Parameters, keep bool) ([]byte, error) {
	s := m.session
	var data []byte
	if keep && p.Lines > 0 && p.BytesPerLine > 0 {
		data = make([]byte, 0, p.Lines*p.BytesPerLine)
	}
	last := time.Now()

	for {
		if ctx.Err() != nil {
			s.Cancel(context.Background())
			return nil, sane.StatusCancelled
		}
		chunk, err := s.Read(ctx)
		if keep {
			data = append(data, chunk...)
		}
		if len(chunk) > 0 {
			total := job.addBytes(len(chunk))
			if time.Since(last) >= m.cfg.ProgressInterval {
				last = time.Now()
				m.emitJob(JobEvent{Type: EventScanProgress, Job: job.Info(), Bytes: total})
			}
		}
		if err == nil {
			continue
		}
		switch sane.StatusOf(err) {
		case sane.StatusEOF:
			return data, nil
		case sane.StatusCancelled:
			return nil, err
		default:
			s.Cancel(context.Background())
			if ctx.Err() != nil {
				return nil, sane.StatusCancelled
			}
			return nil, err
		}
	}
}

// render converts the frames and stores the PNG in memory and, when
// configured, on disk.
func (m *Manager) render(job *Job, frames []Frame) error {
	img, err := Assemble(frames)
	if err != nil {
		return err
	}
	data, err := PNGBytes(img)
	if err != nil {
		return fmt.Errorf("encode png: %w", err)
	}

	output := ""
	if m.cfg.OutputDir != "" {
		if err := os.MkdirAll(m.cfg.OutputDir, 0755); err != nil {
			return fmt.Errorf("output dir: %w", err)
		}
		output = filepath.Join(m.cfg.OutputDir, job.id+".png")
		if err := os.WriteFile(output, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", output, err)
		}
	}
	b := img.Bounds()
	job.setImage(b.Dx(), b.Dy(), data, output)
	return nil
}
