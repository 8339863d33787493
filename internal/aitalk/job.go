package aitalk

import (
	"bytes"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// JobState is a position in a job's lifecycle.
type JobState int

const (
	// StateSubmitted is the state right after the engine accepted the job.
	StateSubmitted JobState = iota
	// StateDraining means at least one buffer callback has arrived.
	StateDraining
	// StateCompleted means end of stream was drained and signalled.
	StateCompleted
	// StateClosed means the engine job id was released.
	StateClosed
	// StateFailed means submission or a callback broke the job.
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool { return s == StateClosed || s == StateFailed }

var jobTransitions = map[JobState][]JobState{
	StateSubmitted: {StateDraining, StateFailed},
	StateDraining:  {StateDraining, StateCompleted, StateFailed},
	StateCompleted: {StateClosed},
}

func canTransition(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one in-flight conversion or synthesis request. Its accumulator and
// event list are written only from the engine callbacks of this job; the
// orchestrator reads them after the completion gate hands them over.
type Job struct {
	Kind     JobKind
	token    uintptr
	gate     *Gate
	capacity int
	span     trace.Span

	mu       sync.Mutex
	id       int32
	bound    bool
	state    JobState
	history  []JobState
	err      error
	started  time.Time
	position uint32
	// eos is set once the engine delivered its close reason.
	eos bool
	// abandoned jobs are closed by the dispatcher once eos arrives.
	abandoned bool
	// tracked is the id the submission call returned, under which the job
	// waits in the dispatcher's open set.
	tracked    int32
	hasTracked bool

	buf    bytes.Buffer
	events []Event
	// scratch is reused across drain cycles of this job.
	scratch []byte
}

func newJob(kind JobKind, token uintptr, capacity int) *Job {
	return &Job{
		Kind:     kind,
		token:    token,
		gate:     NewGate(),
		capacity: capacity,
		state:    StateSubmitted,
		history:  []JobState{StateSubmitted},
		started:  time.Now(),
	}
}

// ID returns the engine-issued job id and whether it is known yet.
func (j *Job) ID() (int32, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id, j.bound
}

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// History returns every state the job has passed through, in order.
// Repeated Draining entries are collapsed.
func (j *Job) History() []JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JobState(nil), j.history...)
}

// Err returns the error that failed the job, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// TextPosition is the last input position the engine reported while draining
// a phonetic job.
func (j *Job) TextPosition() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.position
}

// bind associates the engine job id. Callbacks may arrive before the
// submission call returns, so whichever side sees the id first binds it and
// the other must agree.
func (j *Job) bind(id int32) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.bound {
		j.id = id
		j.bound = true
		return nil
	}
	if j.id != id {
		return protocolErrorf("bind", "%s job bound to id %d, engine reported %d", j.Kind, j.id, id)
	}
	return nil
}

func (j *Job) transition(to JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(to)
}

func (j *Job) transitionLocked(to JobState) error {
	if !canTransition(j.state, to) {
		return protocolErrorf("transition", "%s job %d: %s -> %s", j.Kind, j.id, j.state, to)
	}
	if j.state != to {
		j.history = append(j.history, to)
	}
	j.state = to
	return nil
}

// fail moves the job to Failed and releases any waiter with err.
func (j *Job) fail(err error) {
	j.mu.Lock()
	if j.state.Terminal() || j.state == StateCompleted {
		j.mu.Unlock()
		return
	}
	_ = j.transitionLocked(StateFailed)
	j.err = err
	j.mu.Unlock()
	j.gate.Signal(err)
}

// Result returns a copy of the accumulated bytes. Callers must only use it
// after the completion gate released them.
func (j *Job) Result() []byte {
	return bytes.Clone(j.buf.Bytes())
}

// Events returns the annotations collected for a waveform job, in arrival order.
func (j *Job) Events() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Event(nil), j.events...)
}
