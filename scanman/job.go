package scanman

import (
	"sync"
	"time"

	"scanlink/sane"
)

// JobState is the lifecycle state of a scan job.
type JobState int

const (
	JobQueued JobState = iota
	JobRunning
	JobDone
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Finished reports whether the job has ended.
func (s JobState) Finished() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// ScanRequest describes a scan. Options are applied by name before the first
// frame; a nil value selects the automatic value.
type ScanRequest struct {
	Options map[string]interface{} `json:"options,omitempty"`
	// NoImage skips raster conversion and keeps only the byte counts.
	NoImage bool `json:"no_image,omitempty"`
}

// JobInfo is a point-in-time copy of a job.
type JobInfo struct {
	ID         string            `json:"id"`
	Device     string            `json:"device"`
	State      string            `json:"state"`
	Status     sane.Status       `json:"status"`
	StatusName string            `json:"status_name"`
	Error      string            `json:"error,omitempty"`
	Created    time.Time         `json:"created"`
	Started    time.Time         `json:"started,omitempty"`
	Finished   time.Time         `json:"finished,omitempty"`
	Frames     []sane.Parameters `json:"frames,omitempty"`
	Bytes      int64             `json:"bytes"`
	Width      int               `json:"width,omitempty"`
	Height     int               `json:"height,omitempty"`
	Output     string            `json:"output,omitempty"`
	HasImage   bool              `json:"has_image"`
}

// Job is one acquisition run by the manager.
type Job struct {
	id      string
	device  string
	request ScanRequest
	created time.Time

	mu       sync.RWMutex
	state    JobState
	status   sane.Status
	err      error
	started  time.Time
	finished time.Time
	frames   []sane.Parameters
	bytes    int64
	width    int
	height   int
	output   string
	png      []byte

	cancel func()
	done   chan struct{}
}

// ID returns the job identifier.
func (j *Job) ID() string {
	return j.id
}

// State returns the current job state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Err returns the error that ended the job, if any.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Done is closed when the job ends.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// PNG returns the encoded image, or nil when none was produced.
func (j *Job) PNG() []byte {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.png
}

// Info returns a copy of the job.
func (j *Job) Info() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	info := JobInfo{
		ID:         j.id,
		Device:     j.device,
		State:      j.state.String(),
		Status:     j.status,
		StatusName: j.status.String(),
		Created:    j.created,
		Started:    j.started,
		Finished:   j.finished,
		Frames:     append([]sane.Parameters(nil), j.frames...),
		Bytes:      j.bytes,
		Width:      j.width,
		Height:     j.height,
		Output:     j.output,
		HasImage:   j.png != nil,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

func (j *Job) setRunning() {
	j.mu.Lock()
	j.state = JobRunning
	j.started = time.Now()
	j.mu.Unlock()
}

func (j *Job) addFrame(p sane.Parameters) {
	j.mu.Lock()
	j.frames = append(j.frames, p)
	j.mu.Unlock()
}

func (j *Job) addBytes(n int) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytes += int64(n)
	return j.bytes
}

func (j *Job) setImage(w, h int, png []byte, output string) {
	j.mu.Lock()
	j.width, j.height = w, h
	j.png = png
	j.output = output
	j.mu.Unlock()
}

// finish records the final state. It is called exactly once per job.
func (j *Job) finish(state JobState, err error) {
	j.mu.Lock()
	j.state = state
	j.err = err
	j.status = sane.StatusOf(err)
	if state == JobCancelled {
		j.status = sane.StatusCancelled
	}
	j.finished = time.Now()
	j.mu.Unlock()
	close(j.done)
}
