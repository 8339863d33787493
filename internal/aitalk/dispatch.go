package aitalk

import (
	"errors"
	"log/slog"
	"sync"
)

// dispatcher routes engine callbacks to the job registered under the opaque
// token handed to the engine at submission. Tokens are small integers, never
// Go pointers, so the engine only ever holds a lookup key.
type dispatcher struct {
	engine  Engine
	log     *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	next   uintptr
	tokens map[uintptr]*Job
	// open holds jobs whose engine id must still be closed.
	open map[jobKey]*Job
}

type jobKey struct {
	kind JobKind
	id   int32
}

func newDispatcher(e Engine, m *metrics, log *slog.Logger) *dispatcher {
	return &dispatcher{
		engine:  e,
		log:     log,
		metrics: m,
		tokens:  make(map[uintptr]*Job),
		open:    make(map[jobKey]*Job),
	}
}

func (d *dispatcher) register(kind JobKind, capacity int) *Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	if d.next == 0 {
		d.next++
	}
	j := newJob(kind, d.next, capacity)
	d.tokens[j.token] = j
	return j
}

func (d *dispatcher) unregister(j *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tokens[j.token] == j {
		delete(d.tokens, j.token)
	}
}

func (d *dispatcher) lookup(token uintptr) (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.tokens[token]
	return j, ok
}

// track records a submitted job id as needing a close call.
func (d *dispatcher) track(j *Job, id int32) {
	j.mu.Lock()
	j.tracked, j.hasTracked = id, true
	j.mu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open[jobKey{j.Kind, id}] = j
}

// take removes and returns the open job for kind and id.
func (d *dispatcher) take(kind JobKind, id int32) (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := jobKey{kind, id}
	j, ok := d.open[key]
	if ok {
		delete(d.open, key)
	}
	return j, ok
}

func (d *dispatcher) openJobs() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.open))
}

// abandoned reports whether a job of kind is waiting to be reaped, in which
// case its callback slot must stay installed.
func (d *dispatcher) abandoned(kind JobKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, j := range d.tokens {
		if j.Kind != kind {
			continue
		}
		j.mu.Lock()
		a := j.abandoned
		j.mu.Unlock()
		if a {
			return true
		}
	}
	return false
}

// closeEngineJob releases an engine job id with the reserved argument.
func (d *dispatcher) closeEngineJob(kind JobKind, id int32) error {
	var code ResultCode
	if kind == KindPhonetic {
		code = d.engine.CloseKana(id, closeReservedValue)
		return check("CloseKana", code)
	}
	code = d.engine.CloseSpeech(id, closeReservedValue)
	return check("CloseSpeech", code)
}

// abandon gives up waiting on j. Its token stays registered so late
// callbacks still resolve, and the engine id is closed once the close
// reason arrives.
func (d *dispatcher) abandon(j *Job) {
	j.mu.Lock()
	j.abandoned = true
	eos := j.eos
	j.mu.Unlock()
	if eos {
		go d.reap(j)
	}
}

// reap closes an abandoned job once the engine is done with it. The id the
// callbacks reported and the id the submission returned normally agree; when
// they don't, both are released.
func (d *dispatcher) reap(j *Job) {
	d.unregister(j)
	j.mu.Lock()
	bound, hasBound := j.id, j.bound
	tracked, hasTracked := j.tracked, j.hasTracked
	j.mu.Unlock()
	if !hasTracked {
		return
	}
	if _, ok := d.take(j.Kind, tracked); !ok {
		return
	}
	ids := []int32{tracked}
	if hasBound && bound != tracked {
		ids = []int32{bound, tracked}
	}
	for _, id := range ids {
		if err := d.closeEngineJob(j.Kind, id); err != nil {
			d.log.Warn("failed to close abandoned job", slog.String("kind", j.Kind.String()), slog.Int("job_id", int(id)), slogError(err))
			continue
		}
		d.log.Info("closed abandoned job", slog.String("kind", j.Kind.String()), slog.Int("job_id", int(id)))
	}
}

func (d *dispatcher) TextBuf(reason EventReason, jobID int32, token uintptr) int32 {
	switch reason {
	case ReasonTextBufFull, ReasonTextBufFlush, ReasonTextBufClose:
	default:
		return 0
	}
	d.onBuffer(KindPhonetic, reason == ReasonTextBufClose, jobID, token)
	return 0
}

func (d *dispatcher) RawBuf(reason EventReason, jobID int32, _ uint64, token uintptr) int32 {
	switch reason {
	case ReasonRawBufFull, ReasonRawBufFlush, ReasonRawBufClose:
	default:
		return 0
	}
	d.onBuffer(KindWaveform, reason == ReasonRawBufClose, jobID, token)
	return 0
}

func (d *dispatcher) TTSEvent(reason EventReason, jobID int32, tick uint64, name []byte, token uintptr) int32 {
	j, ok := d.resolve(KindWaveform, jobID, token)
	if !ok {
		return 0
	}
	if err := j.bind(jobID); err != nil {
		d.failJob(j, err)
		return 0
	}
	j.collect(reason, tick, name)
	return 0
}

// resolve finds the job for a callback. Unknown tokens and kind mismatches
// are protocol violations; the first fails nothing since no job is known.
func (d *dispatcher) resolve(kind JobKind, jobID int32, token uintptr) (*Job, bool) {
	j, ok := d.lookup(token)
	if !ok {
		err := protocolErrorf("callback", "%s callback for job %d with unknown token %d", kind, jobID, token)
		d.log.Warn("dropping engine callback", slogError(err))
		return nil, false
	}
	if j.Kind != kind {
		d.failJob(j, protocolErrorf("callback", "%s callback delivered to %s job", kind, j.Kind))
		return nil, false
	}
	return j, true
}

func (d *dispatcher) onBuffer(kind JobKind, closing bool, jobID int32, token uintptr) {
	j, ok := d.resolve(kind, jobID, token)
	if !ok {
		return
	}
	if err := j.bind(jobID); err != nil {
		d.failJob(j, err)
		return
	}
	if err := j.transition(StateDraining); err != nil {
		if j.State() != StateFailed {
			d.failJob(j, err)
		}
		d.finishAbandoned(j, closing)
		return
	}

	var code ResultCode
	var err error
	before := j.buf.Len()
	if kind == KindPhonetic {
		code, err = drainText(d.engine, j, jobID)
	} else {
		code, err = drainRaw(d.engine, j, jobID)
	}
	d.metrics.addBytes(kind, j.buf.Len()-before)
	if err != nil {
		d.failJob(j, err)
		d.finishAbandoned(j, closing)
		return
	}
	if code.IsError() {
		d.log.Debug("drain stopped on engine code", slog.String("kind", kind.String()), slog.Int("job_id", int(jobID)), slog.String("code", code.String()))
	}
	if !closing {
		return
	}
	if err := j.transition(StateCompleted); err != nil {
		d.failJob(j, err)
	} else {
		j.gate.Signal(nil)
	}
	d.finishAbandoned(j, true)
}

// finishAbandoned records end of stream and reaps the job if nobody waits
// for it any more.
func (d *dispatcher) finishAbandoned(j *Job, closing bool) {
	if !closing {
		return
	}
	j.mu.Lock()
	j.eos = true
	abandoned := j.abandoned
	j.mu.Unlock()
	if abandoned {
		go d.reap(j)
	}
}

func (d *dispatcher) failJob(j *Job, err error) {
	id, _ := j.ID()
	attrs := []any{slog.String("kind", j.Kind.String()), slog.Int("job_id", int(id)), slogError(err)}
	if errors.Is(err, ErrProtocolViolation) {
		d.log.Error("engine protocol violation", attrs...)
	} else {
		d.log.Warn("job failed", attrs...)
	}
	j.fail(err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
