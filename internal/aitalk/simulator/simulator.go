// Package simulator is a deterministic in-process speech engine. It follows
// the native engine's calling contract closely enough to drive the adapter
// end to end: size probing, callback slots, job id reuse, chunked delivery
// from its own goroutines and injected result codes.
package simulator

import (
	"bytes"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
)

// Event is a scripted annotation delivered on the event callback.
type Event struct {
	Reason aitalk.EventReason
	Tick   uint64
	Name   string
}

// Config shapes the simulated engine. Zero values pick defaults.
type Config struct {
	// Voices maps a voice name to its speaker names.
	Voices map[string][]string
	// TextBufBytes and RawBufWords are reported in the parameter record.
	TextBufBytes uint32
	RawBufWords  uint32
	// MaxJobs is the concurrent job ceiling per kind.
	MaxJobs int
	// Kana returns the chunks delivered for a conversion job.
	Kana func(text []byte) [][]byte
	// Wave returns the chunks delivered for a synthesis job.
	Wave func(kana []byte) [][]byte
	// Events returns the annotations emitted during a synthesis job.
	Events func(kana []byte) []Event
	// Early delivers the first callback before the submission call returns.
	Early bool
	// HoldClose withholds the close reason until Release is called.
	HoldClose bool
}

type job struct {
	kind    aitalk.JobKind
	id      int32
	token   uintptr
	pending bytes.Buffer
	pos     uint32
	read    uint32
}

// Engine implements aitalk.Engine.
type Engine struct {
	cfg Config

	mu          sync.Mutex
	handler     aitalk.Handler
	initialized bool
	lang        string
	voice       string
	params      *aitalk.ParamRecord
	alloc       aitalk.Allocator
	jobs        map[int32]*job
	failNext    map[string]aitalk.ResultCode
	calls       []string
	closes      []int32
	dicts       map[string]string
	held        []func()
	wg          sync.WaitGroup
}

// Proc addresses handed out by Procs. Any nonzero value marks a slot as
// installed.
const (
	procTextBuf uint32 = 0x1001
	procRawBuf  uint32 = 0x1002
	procEvent   uint32 = 0x1003
)

// New returns a simulated engine.
func New(cfg Config) *Engine {
	if cfg.Voices == nil {
		cfg.Voices = map[string][]string{"sim": {"sim"}}
	}
	if cfg.TextBufBytes == 0 {
		cfg.TextBufBytes = 1024
	}
	if cfg.RawBufWords == 0 {
		cfg.RawBufWords = 2048
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	if cfg.Kana == nil {
		cfg.Kana = DefaultKana
	}
	if cfg.Wave == nil {
		cfg.Wave = DefaultWave
	}
	if cfg.Events == nil {
		cfg.Events = DefaultEvents
	}
	return &Engine{
		cfg:      cfg,
		jobs:     make(map[int32]*job),
		failNext: make(map[string]aitalk.ResultCode),
		dicts:    make(map[string]string),
	}
}

// FailNext makes the next call of op (e.g. "TextToKana") return code.
func (e *Engine) FailNext(op string, code aitalk.ResultCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[op] = code
}

// Calls returns the names of every engine call made so far.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Closed returns the job ids passed to CloseKana and CloseSpeech.
func (e *Engine) Closed() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int32(nil), e.closes...)
}

// OpenJobs reports engine job ids not yet closed.
func (e *Engine) OpenJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Dictionary returns the path last loaded for kind ("word", "phrase",
// "symbol"); empty means the default.
func (e *Engine) Dictionary(kind string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dicts[kind]
}

// Installed reports the callback slots of the last applied record.
func (e *Engine) Installed() aitalk.Procs {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.params == nil {
		return aitalk.Procs{}
	}
	return e.params.Procs()
}

// Release delivers every withheld close reason and stops withholding.
func (e *Engine) Release() {
	e.mu.Lock()
	held := e.held
	e.held = nil
	e.cfg.HoldClose = false
	e.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

// Wait blocks until every delivery goroutine has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Deliver fires a raw callback against the installed handler, for tests
// that need to misbehave like a broken engine.
func (e *Engine) Deliver(reason aitalk.EventReason, jobID int32, token uintptr) int32 {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	switch reason {
	case aitalk.ReasonTextBufFull, aitalk.ReasonTextBufFlush, aitalk.ReasonTextBufClose:
		return h.TextBuf(reason, jobID, token)
	default:
		return h.RawBuf(reason, jobID, 0, token)
	}
}

// call records op and returns an injected code, if any. Callers hold mu.
func (e *Engine) call(op string) (aitalk.ResultCode, bool) {
	e.calls = append(e.calls, op)
	code, ok := e.failNext[op]
	if ok {
		delete(e.failNext, op)
	}
	return code, ok
}

func (e *Engine) Init(cfg aitalk.EngineConfig) aitalk.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("Init"); ok {
		return code
	}
	if e.initialized {
		return aitalk.AlreadyInitialized
	}
	if cfg.VoiceDBHz == 0 {
		return aitalk.InvalidArgument
	}
	e.initialized = true
	return aitalk.Success
}

func (e *Engine) LangLoad(name string) aitalk.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("LangLoad"); ok {
		return code
	}
	if !e.initialized {
		return aitalk.NotInitialized
	}
	e.lang = name
	return aitalk.Success
}

func (e *Engine) LangClear() aitalk.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("LangClear"); ok {
		return code
	}
	if e.lang == "" {
		return aitalk.NotLoaded
	}
	e.lang = ""
	return aitalk.Success
}

func (e *Engine) VoiceLoad(name string) aitalk.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("VoiceLoad"); ok {
		return code
	}
	if !e.initialized {
		return aitalk.NotInitialized
	}
	speakers, ok := e.cfg.Voices[name]
	if !ok {
		return aitalk.FileNotFound
	}
	if e.voice == name {
		return aitalk.AlreadyLoaded
	}
	e.voice = name
	e.resetParams(name, speakers)
	return aitalk.Success
}

func (e *Engine) VoiceClear() aitalk.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("VoiceClear"); ok {
		return code
	}
	if e.voice == "" {
		return aitalk.NotLoaded
	}
	e.voice = ""
	return aitalk.Success
}

// resetParams builds the engine-side record for a freshly loaded voice.
func (e *Engine) resetParams(voice string, speakers []string) {
	var procs aitalk.Procs
	if e.params != nil {
		procs = e.params.Procs()
		e.alloc.Release(e.params)
	}
	rec := e.alloc.Allocate(len(speakers))
	rec.SetProcs(procs)
	rec.SetTextBufBytes(e.cfg.TextBufBytes)
	rec.SetRawBufWords(e.cfg.RawBufWords)
	rec.SetVolume(1)
	rec.SetPauseBegin(800)
	rec.SetPauseTerm(800)
	_ = rec.SetVoiceName(voice)
	j := rec.Jeita()
	_ = j.SetFemaleName(voice)
	j.SetPauseMiddle(150)
	j.SetPauseLong(370)
	j.SetPauseSentence(800)
	for i, name := range speakers {
		s, err := rec.Speaker(i)
		if err != nil {
			break
		}
		_ = s.SetName(name)
		s.SetVolume(1)
		s.SetSpeed(1)
		s.SetPitch(1)
		s.SetRange(1)
		s.SetPauseMiddle(150)
		s.SetPauseLong(370)
		s.SetPauseSentence(800)
	}
	e.params = rec
}

func (e *Engine) GetParam(buf []byte) (uint32, aitalk.ResultCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("GetParam"); ok {
		return 0, code
	}
	if e.params == nil {
		return 0, aitalk.NotLoaded
	}
	size := uint32(e.params.Len())
	if len(buf) < int(size) {
		return size, aitalk.Insufficient
	}
	if declared := leUint32(buf); declared != size {
		return size, aitalk.InvalidArgument
	}
	copy(buf, e.params.Bytes())
	return size, aitalk.Success
}

func (e *Engine) SetParam(buf []byte) aitalk.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("SetParam"); ok {
		return code
	}
	if e.params == nil {
		return aitalk.NotLoaded
	}
	if len(buf) != e.params.Len() || leUint32(buf) != uint32(e.params.Len()) {
		return aitalk.InvalidArgument
	}
	copy(e.params.Bytes(), buf)
	return aitalk.Success
}

func (e *Engine) Procs(h aitalk.Handler) aitalk.Procs {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	return aitalk.Procs{TextBuf: procTextBuf, RawBuf: procRawBuf, Event: procEvent}
}

// submit opens a job, reusing the lowest free id. Callers hold mu.
func (e *Engine) submit(kind aitalk.JobKind, token uintptr) (*job, aitalk.ResultCode) {
	if !e.initialized {
		return nil, aitalk.NotInitialized
	}
	if e.voice == "" {
		return nil, aitalk.NotLoaded
	}
	active := 0
	for _, j := range e.jobs {
		if j.kind == kind {
			active++
		}
	}
	if active >= e.cfg.MaxJobs {
		return nil, aitalk.TooManyJobs
	}
	id := int32(1)
	for e.jobs[id] != nil {
		id++
	}
	j := &job{kind: kind, id: id, token: token}
	e.jobs[id] = j
	return j, aitalk.Success
}

func (e *Engine) TextToKana(inOut aitalk.JobInOut, token uintptr, text []byte) (int32, aitalk.ResultCode) {
	e.mu.Lock()
	if code, ok := e.call("TextToKana"); ok {
		e.mu.Unlock()
		return 0, code
	}
	if inOut != aitalk.PlainToAIKana && inOut != aitalk.AIKanaToJeita {
		e.mu.Unlock()
		return 0, aitalk.InvalidArgument
	}
	if e.params == nil || e.params.Procs().TextBuf == 0 {
		e.mu.Unlock()
		return 0, aitalk.InvalidArgument
	}
	j, code := e.submit(aitalk.KindPhonetic, token)
	e.mu.Unlock()
	if code != aitalk.Success {
		return 0, code
	}
	e.run(j, e.cfg.Kana(bytes.Clone(text)), nil)
	return j.id, aitalk.Success
}

func (e *Engine) TextToSpeech(inOut aitalk.JobInOut, token uintptr, kana []byte) (int32, aitalk.ResultCode) {
	e.mu.Lock()
	if code, ok := e.call("TextToSpeech"); ok {
		e.mu.Unlock()
		return 0, code
	}
	switch inOut {
	case aitalk.PlainToWave, aitalk.AIKanaToWave, aitalk.JeitaToWave:
	default:
		e.mu.Unlock()
		return 0, aitalk.InvalidArgument
	}
	if e.params == nil || e.params.Procs().RawBuf == 0 {
		e.mu.Unlock()
		return 0, aitalk.InvalidArgument
	}
	j, code := e.submit(aitalk.KindWaveform, token)
	e.mu.Unlock()
	if code != aitalk.Success {
		return 0, code
	}
	input := bytes.Clone(kana)
	e.run(j, e.cfg.Wave(input), e.cfg.Events(input))
	return j.id, aitalk.Success
}

// run delivers chunks from a goroutine the way the engine's worker thread
// does: stage a chunk, fire FULL or FLUSH, then CLOSE once everything is
// staged. With Early set the first callback completes before run returns.
func (e *Engine) run(j *job, chunks [][]byte, events []Event) {
	full, flush, closing := aitalk.ReasonTextBufFull, aitalk.ReasonTextBufFlush, aitalk.ReasonTextBufClose
	if j.kind == aitalk.KindWaveform {
		full, flush, closing = aitalk.ReasonRawBufFull, aitalk.ReasonRawBufFlush, aitalk.ReasonRawBufClose
	}
	first := make(chan struct{})
	var once sync.Once
	started := func() { once.Do(func() { close(first) }) }

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer started()
		for i, chunk := range chunks {
			e.mu.Lock()
			j.pending.Write(chunk)
			e.mu.Unlock()
			reason := full
			if i == len(chunks)-1 {
				reason = flush
			}
			if j.kind == aitalk.KindWaveform && i < len(events) {
				e.fireEvent(j, events[i])
			}
			e.fireBuffer(j, reason)
			started()
		}
		for i := len(chunks); i < len(events); i++ {
			e.fireEvent(j, events[i])
		}
		finish := func() { e.fireBuffer(j, closing) }
		e.mu.Lock()
		if e.cfg.HoldClose {
			e.held = append(e.held, finish)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		finish()
	}()
	if e.cfg.Early {
		<-first
	}
}

func (e *Engine) fireBuffer(j *job, reason aitalk.EventReason) {
	e.mu.Lock()
	h := e.handler
	procs := e.params.Procs()
	e.mu.Unlock()
	if h == nil {
		return
	}
	if j.kind == aitalk.KindPhonetic {
		if procs.TextBuf != 0 {
			h.TextBuf(reason, j.id, j.token)
		}
		return
	}
	if procs.RawBuf != 0 {
		h.RawBuf(reason, j.id, uint64(j.read), j.token)
	}
}

func (e *Engine) fireEvent(j *job, ev Event) {
	e.mu.Lock()
	h := e.handler
	procs := e.params.Procs()
	e.mu.Unlock()
	if h == nil || procs.Event == 0 {
		return
	}
	name, err := aitalk.ShiftJIS.Encode(ev.Name)
	if err != nil {
		name = []byte(ev.Name)
	}
	h.TTSEvent(ev.Reason, j.id, ev.Tick, append(name, 0), j.token)
}

func (e *Engine) GetKana(jobID int32, buf []byte) (uint32, uint32, aitalk.ResultCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("GetKana"); ok {
		return 0, 0, code
	}
	j, ok := e.jobs[jobID]
	if !ok || j.kind != aitalk.KindPhonetic {
		return 0, 0, aitalk.InvalidJobID
	}
	if j.pending.Len() == 0 {
		return 0, j.pos, aitalk.NoMoreData
	}
	n, _ := j.pending.Read(buf)
	j.pos += uint32(n)
	return uint32(n), j.pos, aitalk.Success
}

func (e *Engine) GetData(jobID int32, buf []byte) (uint32, aitalk.ResultCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call("GetData"); ok {
		return 0, code
	}
	j, ok := e.jobs[jobID]
	if !ok || j.kind != aitalk.KindWaveform {
		return 0, aitalk.InvalidJobID
	}
	if j.pending.Len() == 0 {
		return 0, aitalk.NoMoreData
	}
	words := min(len(buf)/2, j.pending.Len()/2)
	n, _ := j.pending.Read(buf[:words*2])
	j.read += uint32(n / 2)
	return uint32(n / 2), aitalk.Success
}

func (e *Engine) closeJob(op string, kind aitalk.JobKind, jobID, reserved int32) aitalk.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call(op); ok {
		return code
	}
	if reserved != 0 {
		return aitalk.InvalidArgument
	}
	j, ok := e.jobs[jobID]
	if !ok || j.kind != kind {
		return aitalk.InvalidJobID
	}
	delete(e.jobs, jobID)
	e.closes = append(e.closes, jobID)
	return aitalk.Success
}

func (e *Engine) CloseKana(jobID, reserved int32) aitalk.ResultCode {
	return e.closeJob("CloseKana", aitalk.KindPhonetic, jobID, reserved)
}

func (e *Engine) CloseSpeech(jobID, reserved int32) aitalk.ResultCode {
	return e.closeJob("CloseSpeech", aitalk.KindWaveform, jobID, reserved)
}

func (e *Engine) reload(op, kind, path string) aitalk.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.call(op); ok {
		return code
	}
	if !e.initialized {
		return aitalk.NotInitialized
	}
	e.dicts[kind] = path
	return aitalk.Success
}

func (e *Engine) ReloadPhraseDic(path string) aitalk.ResultCode {
	return e.reload("ReloadPhraseDic", "phrase", path)
}

func (e *Engine) ReloadWordDic(path string) aitalk.ResultCode {
	return e.reload("ReloadWordDic", "word", path)
}

func (e *Engine) ReloadSymbolDic(path string) aitalk.ResultCode {
	return e.reload("ReloadSymbolDic", "symbol", path)
}

func leUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// DefaultKana echoes the input back in chunks of at most 16 bytes.
func DefaultKana(text []byte) [][]byte {
	return split(text, 16)
}

// DefaultWave renders 64 samples of a fixed sawtooth per input byte,
// delivered in 1024 byte chunks.
func DefaultWave(kana []byte) [][]byte {
	pcm := make([]byte, 0, len(kana)*128)
	for i := range len(kana) * 64 {
		v := int16((i*37)%2000 - 1000)
		pcm = append(pcm, byte(v), byte(uint16(v)>>8))
	}
	return split(pcm, 1024)
}

// DefaultEvents emits a phoneme label and an auto-bookmark per 16 bytes of
// input, ticks advancing by 10 ms.
func DefaultEvents(kana []byte) []Event {
	var out []Event
	for i := 0; i < len(kana); i += 16 {
		tick := uint64(i/16) * 10
		out = append(out,
			Event{Reason: aitalk.ReasonPhoneticLabel, Tick: tick, Name: "ph" + strconv.Itoa(i/16)},
			Event{Reason: aitalk.ReasonAutoBookmark, Tick: tick, Name: strconv.Itoa(i)},
		)
	}
	return out
}

func split(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > size {
		out = append(out, b[:size:size])
		b = b[size:]
	}
	if len(b) > 0 {
		out = append(out, b)
	}
	return out
}
