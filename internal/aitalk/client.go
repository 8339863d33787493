package aitalk

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// DefaultLanguage is the language directory loaded when none is configured.
const DefaultLanguage = `Lang\standard`

// DefaultJobTimeout bounds the wait for a job's end of stream.
const DefaultJobTimeout = 30 * time.Second

// DictionarySet names user dictionary files. An empty path resets that
// dictionary to the engine default.
type DictionarySet struct {
	Word   string
	Phrase string
	Symbol string
}

// IsZero reports whether no dictionary is named.
func (d DictionarySet) IsZero() bool { return d == DictionarySet{} }

// Options configures Open.
type Options struct {
	Engine       EngineConfig
	InstallDir   string
	Language     string
	Voice        string
	Dictionaries DictionarySet
	// ExtendFormat is written into the record at Open. Zero keeps the
	// engine's own value.
	ExtendFormat int32
	JobTimeout   time.Duration
	Logger       *slog.Logger
	// MeterProvider receives the client's instruments. Nil uses the global
	// provider.
	MeterProvider metric.MeterProvider
}

// Phonetic is engine-encoded kana produced by ConvertToPhonetic.
type Phonetic []byte

func (p Phonetic) String() string { return ShiftJIS.Decode(p) }

// ParsePhonetic encodes kana text received from outside the engine.
func ParsePhonetic(s string) (Phonetic, error) {
	b, err := ShiftJIS.Encode(s)
	if err != nil {
		return nil, fmt.Errorf("encode kana: %w", err)
	}
	return Phonetic(b), nil
}

// Waveform is little-endian 16-bit mono PCM at the voice DB sample rate.
type Waveform []byte

// Samples decodes the waveform into 16-bit samples.
func (w Waveform) Samples() []int16 {
	out := make([]int16, len(w)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(w[i*2:]))
	}
	return out
}

// Client drives conversion and synthesis jobs through an initialised engine.
// It owns the parameter record; only one job phase runs at a time.
type Client struct {
	engine  Engine
	opts    Options
	log     *slog.Logger
	alloc   Allocator
	disp    *dispatcher
	metrics *metrics
	procs   Procs

	// phase is held from submission until close, and by anything that
	// touches rec.
	phase  chan struct{}
	rec    *ParamRecord
	closed atomic.Bool
}

// Open initialises e, loads the language, user dictionaries and voice, and
// prepares the parameter record.
func Open(e Engine, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.Engine.VoiceDBHz == 0 {
		opts.Engine.VoiceDBHz = DefaultVoiceDBHz
	}
	if opts.Engine.TimeoutMS == 0 {
		opts.Engine.TimeoutMS = DefaultEngineMS
	}
	log := opts.Logger.With(slog.String("component", "aitalk"))

	if code := e.Init(opts.Engine); code != AlreadyInitialized {
		if err := check("Init", code); err != nil {
			return nil, err
		}
	}
	var langLoaded, voiceLoaded bool
	err := WithWorkingDir(opts.InstallDir, func() error {
		if err := check("LangLoad", e.LangLoad(opts.Language)); err != nil {
			return err
		}
		langLoaded = true
		if opts.Dictionaries.IsZero() {
			return nil
		}
		return reloadDictionaries(e, opts.Dictionaries)
	})
	if err != nil {
		if langLoaded {
			err = errors.Join(err, unload(e, false))
		}
		return nil, err
	}
	if opts.Voice != "" {
		if err := check("VoiceLoad", e.VoiceLoad(opts.Voice)); err != nil {
			return nil, errors.Join(err, unload(e, false))
		}
		voiceLoaded = true
	}

	c := &Client{
		engine: e,
		opts:   opts,
		log:    log,
		phase:  make(chan struct{}, 1),
	}
	m, err := newMetrics(opts.MeterProvider, &c.alloc, func() int64 { return c.disp.openJobs() })
	if err != nil {
		log.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = m
	c.disp = newDispatcher(e, m, log)
	c.procs = e.Procs(c.disp)
	fail := func(err error) (*Client, error) {
		return nil, errors.Join(err, m.close(), unload(e, voiceLoaded))
	}

	rec, err := c.alloc.Fetch(e)
	if err != nil {
		return fail(err)
	}
	rec.SetPauseBegin(0)
	rec.SetPauseTerm(0)
	if opts.ExtendFormat != 0 {
		rec.SetExtendFormat(opts.ExtendFormat)
	}
	rec.SetProcs(Procs{})
	if err := rec.Apply(e); err != nil {
		c.alloc.Release(rec)
		return fail(err)
	}
	c.rec = rec
	log.Info("engine ready",
		slog.String("voice", rec.VoiceName()),
		slog.Int("speakers", rec.SpeakerCount()),
		slog.Int("param_bytes", rec.Len()),
	)
	return c, nil
}

// unload clears what a failed Open loaded, voice first.
func unload(e Engine, voice bool) error {
	var errs []error
	if voice {
		errs = append(errs, check("VoiceClear", e.VoiceClear()))
	}
	errs = append(errs, check("LangClear", e.LangClear()))
	return errors.Join(errs...)
}

func reloadDictionaries(e Engine, d DictionarySet) error {
	return errors.Join(
		check("ReloadWordDic", e.ReloadWordDic(d.Word)),
		check("ReloadPhraseDic", e.ReloadPhraseDic(d.Phrase)),
		check("ReloadSymbolDic", e.ReloadSymbolDic(d.Symbol)),
	)
}

func (c *Client) acquire(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	select {
	case c.phase <- struct{}{}:
		// Close may have run while this caller was queued.
		if c.closed.Load() {
			c.release()
			return ErrClientClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.phase }

// ConvertToPhonetic converts plain text to engine kana.
func (c *Client) ConvertToPhonetic(ctx context.Context, text string) (Phonetic, error) {
	input, err := ShiftJIS.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}
	j, err := c.Submit(ctx, KindPhonetic, input)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(ctx, j); err != nil {
		return nil, err
	}
	if err := c.CloseJob(j); err != nil {
		return nil, err
	}
	return Phonetic(j.Result()), nil
}

// Synthesize renders kana into a waveform and the annotations emitted while
// rendering it.
func (c *Client) Synthesize(ctx context.Context, kana Phonetic) (Waveform, []Event, error) {
	j, err := c.Submit(ctx, KindWaveform, kana)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Wait(ctx, j); err != nil {
		return nil, nil, err
	}
	if err := c.CloseJob(j); err != nil {
		return nil, nil, err
	}
	return Waveform(j.Result()), j.Events(), nil
}

// Submit starts a job of kind on input, which must already be engine
// encoded. It holds the job phase until CloseJob, or until Wait fails. Every
// successful Submit must be followed by Wait and CloseJob.
func (c *Client) Submit(ctx context.Context, kind JobKind, input []byte) (*Job, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	capacity := textCapacity(c.rec.TextBufBytes())
	if kind == KindWaveform {
		capacity = rawCapacity(c.rec.RawBufWords())
	}
	j := c.disp.register(kind, capacity)
	if err := c.install(kind); err != nil {
		c.disp.unregister(j)
		c.release()
		return nil, err
	}
	_, j.span = c.metrics.startSpan(ctx, kind, len(input))

	var id int32
	var code ResultCode
	if kind == KindPhonetic {
		id, code = c.engine.TextToKana(PlainToAIKana, j.token, input)
	} else {
		id, code = c.engine.TextToSpeech(AIKanaToWave, j.token, input)
	}
	if code.IsError() {
		op := "TextToKana"
		if kind == KindWaveform {
			op = "TextToSpeech"
		}
		err := &EngineError{Op: op, Code: code}
		j.fail(err)
		c.disp.unregister(j)
		c.endPhase(j, "failed", err)
		return nil, err
	}
	c.disp.track(j, id)
	if err := j.bind(id); err != nil {
		// A callback already bound another id. The reaper releases both
		// once the engine reports end of stream.
		c.disp.failJob(j, err)
		c.disp.abandon(j)
		c.endPhase(j, "failed", err)
		return nil, err
	}
	c.log.Debug("job submitted", slog.String("kind", kind.String()), slog.Int("job_id", int(id)))
	return j, nil
}

// Wait blocks until j reaches end of stream. On failure, timeout or
// cancellation the job is abandoned: its engine id is closed once the engine
// finishes with it, and the phase is released.
func (c *Client) Wait(ctx context.Context, j *Job) error {
	err := j.gate.Wait(ctx, c.opts.JobTimeout)
	if err == nil || errors.Is(err, ErrGateConsumed) {
		return err
	}
	id, _ := j.ID()
	outcome := "failed"
	switch {
	case errors.Is(err, ErrTimeout):
		err = &TimeoutError{Kind: j.Kind, JobID: id, After: c.opts.JobTimeout}
		outcome = "timeout"
		j.fail(err)
	case ctx.Err() != nil:
		outcome = "cancelled"
		j.fail(err)
	}
	c.log.Warn("abandoning job", slog.String("kind", j.Kind.String()), slog.Int("job_id", int(id)), slogError(err))
	c.disp.abandon(j)
	c.endPhase(j, outcome, err)
	return err
}

// CloseJob releases a completed job's engine id and ends the phase.
func (c *Client) CloseJob(j *Job) error {
	id, bound := j.ID()
	if !bound {
		return protocolErrorf("close", "%s job was never submitted", j.Kind)
	}
	return c.closeJob(j.Kind, id, j)
}

// CloseJobID releases a completed job by engine id. Ids that are not open,
// including ones already closed, are rejected.
func (c *Client) CloseJobID(kind JobKind, id int32) error {
	return c.closeJob(kind, id, nil)
}

func (c *Client) closeJob(kind JobKind, id int32, want *Job) error {
	j, ok := c.disp.take(kind, id)
	if !ok || (want != nil && j != want) {
		if ok {
			c.disp.track(j, id)
		}
		return protocolErrorf("close", "%s job %d is not open", kind, id)
	}
	if st := j.State(); st != StateCompleted {
		c.disp.track(j, id)
		return protocolErrorf("close", "%s job %d is %s, not completed", kind, id, st)
	}
	if err := c.disp.closeEngineJob(kind, id); err != nil {
		c.disp.unregister(j)
		c.endPhase(j, "failed", err)
		return err
	}
	if err := j.transition(StateClosed); err != nil {
		return err
	}
	c.disp.unregister(j)
	c.endPhase(j, "ok", nil)
	c.log.Debug("job closed", slog.String("kind", kind.String()), slog.Int("job_id", int(id)), slog.Int("bytes", j.buf.Len()))
	return nil
}

// endPhase uninstalls the job's callbacks, records the outcome and hands the
// phase to the next caller.
func (c *Client) endPhase(j *Job, outcome string, cause error) {
	if err := c.uninstall(j.Kind); err != nil {
		c.log.Warn("failed to uninstall callbacks", slogError(err))
	}
	if j.span != nil {
		if cause != nil {
			j.span.RecordError(cause)
			j.span.SetStatus(codes.Error, outcome)
		}
		j.span.End()
	}
	c.metrics.finish(context.Background(), j.Kind, j.started, outcome)
	c.release()
}

func (c *Client) install(kind JobKind) error {
	p := c.rec.Procs()
	if kind == KindPhonetic {
		p.TextBuf = c.procs.TextBuf
	} else {
		p.RawBuf = c.procs.RawBuf
		p.Event = c.procs.Event
	}
	c.rec.SetProcs(p)
	return c.rec.Apply(c.engine)
}

// uninstall clears kind's callback slots unless an abandoned job of that
// kind still needs them to reach its close reason.
func (c *Client) uninstall(kind JobKind) error {
	if c.disp.abandoned(kind) {
		return nil
	}
	p := c.rec.Procs()
	if kind == KindPhonetic {
		p.TextBuf = 0
	} else {
		p.RawBuf = 0
		p.Event = 0
	}
	c.rec.SetProcs(p)
	return c.rec.Apply(c.engine)
}

// ViewParams runs fn against the current parameter record between jobs.
// fn must not retain the record.
func (c *Client) ViewParams(ctx context.Context, fn func(*ParamRecord)) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	fn(c.rec)
	return nil
}

// UpdateParams lets fn mutate the parameter record between jobs and hands
// the result to the engine.
func (c *Client) UpdateParams(ctx context.Context, fn func(*ParamRecord) error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	if err := fn(c.rec); err != nil {
		return err
	}
	return c.rec.Apply(c.engine)
}

// SwitchVoice replaces the loaded voice. The engine's speaker set may change
// size, in which case the parameter record is reallocated; callbacks and
// global settings carry over.
func (c *Client) SwitchVoice(ctx context.Context, name string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	if err := check("VoiceClear", c.engine.VoiceClear()); err != nil {
		return err
	}
	if err := check("VoiceLoad", c.engine.VoiceLoad(name)); err != nil {
		return err
	}
	prev := c.rec.header()
	next, err := c.alloc.Refresh(c.engine, c.rec, PreserveCallbacks, PreserveGlobals)
	if err != nil {
		return err
	}
	if next == c.rec {
		if err := next.Load(c.engine); err != nil {
			return err
		}
		PreserveCallbacks(next, prev)
		PreserveGlobals(next, prev)
	}
	c.rec = next
	if err := c.rec.Apply(c.engine); err != nil {
		return err
	}
	c.log.Info("voice switched", slog.String("voice", c.rec.VoiceName()), slog.Int("speakers", c.rec.SpeakerCount()))
	return nil
}

// ReloadDictionaries reloads the user dictionaries from the install dir.
func (c *Client) ReloadDictionaries(ctx context.Context, d DictionarySet) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	err := WithWorkingDir(c.opts.InstallDir, func() error {
		return reloadDictionaries(c.engine, d)
	})
	if err != nil {
		return err
	}
	c.log.Info("dictionaries reloaded", slog.String("word", d.Word), slog.String("phrase", d.Phrase), slog.String("symbol", d.Symbol))
	return nil
}

// ParamBytesInUse reports the parameter record bytes the client holds.
func (c *Client) ParamBytesInUse() int64 { return c.alloc.InUse() }

// SampleRate is the voice DB rate of produced waveforms.
func (c *Client) SampleRate() int { return int(c.opts.Engine.VoiceDBHz) }

// Close unloads the voice and language and frees the parameter record. It
// waits for the running phase to end.
func (c *Client) Close() error {
	if err := c.acquire(context.Background()); err != nil {
		return err
	}
	c.closed.Store(true)
	defer c.release()
	err := errors.Join(
		check("VoiceClear", c.engine.VoiceClear()),
		check("LangClear", c.engine.LangClear()),
		c.metrics.close(),
	)
	c.alloc.Release(c.rec)
	c.rec = nil
	return err
}
