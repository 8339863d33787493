package aitalk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"
)

// Parameter record layout (engine ABI, 32-bit pointers, little endian).
const (
	offSize           = 0
	offProcTextBuf    = 4
	offProcRawBuf     = 8
	offProcEventTTS   = 12
	offLenTextBuf     = 16
	offLenRawBufWords = 20
	offVolume         = 24
	offPauseBegin     = 28
	offPauseTerm      = 32
	offExtendFormat   = 36
	offVoiceName      = 40
	offJeitaFemale    = 120
	offJeitaMale      = 200
	offJeitaMiddle    = 280
	offJeitaLong      = 284
	offJeitaSentence  = 288
	offJeitaControl   = 292
	offNumSpeakers    = 304
	offReserved       = 308

	// HeaderSize is the fixed part of the record.
	HeaderSize = 312

	spkOffName      = 0
	spkOffVolume    = 80
	spkOffSpeed     = 84
	spkOffPitch     = 88
	spkOffRange     = 92
	spkOffMiddle    = 96
	spkOffLong      = 100
	spkOffSentence  = 104
	spkOffStyleRate = 108

	// SpeakerSize is the size of one trailing speaker entry.
	SpeakerSize = 188
)

var le = binary.LittleEndian

// RecordSize returns the byte size of a record carrying n speakers.
func RecordSize(n int) int { return HeaderSize + n*SpeakerSize }

// SpeakerCountForSize derives the speaker count from an engine-reported size.
func SpeakerCountForSize(size uint32) (int, error) {
	if size < HeaderSize {
		return 0, protocolErrorf("param size", "engine reported %d bytes, header alone is %d", size, HeaderSize)
	}
	rest := size - HeaderSize
	if rest%SpeakerSize != 0 {
		return 0, protocolErrorf("param size", "engine reported %d bytes, not header plus whole speakers", size)
	}
	return int(rest / SpeakerSize), nil
}

// QuerySize asks the engine for the record size it currently requires.
// Probing with a nil buffer is expected to answer Insufficient.
func QuerySize(e Engine) (uint32, error) {
	size, code := e.GetParam(nil)
	if code != Insufficient && code != Success {
		return 0, &EngineError{Op: "GetParam(size)", Code: code}
	}
	return size, nil
}

// Allocator hands out parameter records and tracks the bytes outstanding.
type Allocator struct {
	inUse atomic.Int64
}

// InUse reports the bytes held by records not yet released.
func (a *Allocator) InUse() int64 { return a.inUse.Load() }

// Allocate reserves a zeroed record for n speakers with its size and count
// header fields set.
func (a *Allocator) Allocate(n int) *ParamRecord {
	if n < 0 {
		n = 0
	}
	size := RecordSize(n)
	// uint32 backing keeps the header's natural alignment.
	words := make([]uint32, (size+3)/4)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	rec := &ParamRecord{buf: buf}
	le.PutUint32(buf[offSize:], uint32(size))
	le.PutUint32(buf[offNumSpeakers:], uint32(n))
	a.inUse.Add(int64(size))
	return rec
}

// Release frees exactly the bytes requested at allocation. Releasing twice
// is a no-op.
func (a *Allocator) Release(rec *ParamRecord) {
	if rec == nil || rec.buf == nil {
		return
	}
	a.inUse.Add(-int64(len(rec.buf)))
	rec.buf = nil
}

// Fetch allocates a record sized for the engine's current speaker set and
// reads the engine's parameters into it.
func (a *Allocator) Fetch(e Engine) (*ParamRecord, error) {
	size, err := QuerySize(e)
	if err != nil {
		return nil, err
	}
	n, err := SpeakerCountForSize(size)
	if err != nil {
		return nil, err
	}
	rec := a.Allocate(n)
	if err := rec.Load(e); err != nil {
		a.Release(rec)
		return nil, err
	}
	return rec, nil
}

// PreserveFunc copies caller-owned fields from the superseded record into
// its replacement.
type PreserveFunc func(dst, src *ParamRecord)

// PreserveCallbacks carries the installed callback addresses forward.
func PreserveCallbacks(dst, src *ParamRecord) { dst.SetProcs(src.Procs()) }

// PreserveGlobals carries the global volume, pauses and extend format forward.
func PreserveGlobals(dst, src *ParamRecord) {
	dst.SetVolume(src.Volume())
	dst.SetPauseBegin(src.PauseBegin())
	dst.SetPauseTerm(src.PauseTerm())
	dst.SetExtendFormat(src.ExtendFormat())
}

// Refresh re-queries the required size. When the engine's speaker count no
// longer matches rec, a new record is allocated and loaded, preserve runs
// against it, and rec is released. Otherwise rec is returned untouched.
func (a *Allocator) Refresh(e Engine, rec *ParamRecord, preserve ...PreserveFunc) (*ParamRecord, error) {
	size, err := QuerySize(e)
	if err != nil {
		return nil, err
	}
	n, err := SpeakerCountForSize(size)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.buf != nil && n == rec.SpeakerCount() {
		return rec, nil
	}
	fresh := a.Allocate(n)
	if err := fresh.Load(e); err != nil {
		a.Release(fresh)
		return nil, err
	}
	if rec != nil && rec.buf != nil {
		for _, p := range preserve {
			p(fresh, rec)
		}
		a.Release(rec)
	}
	return fresh, nil
}

// ParamRecord is a header followed by SpeakerCount speaker entries in one
// contiguous region. It is exclusively owned by its allocator's caller and
// handed to the engine only for the duration of a single call.
type ParamRecord struct {
	buf []byte
}

// Bytes exposes the raw record for engine calls.
func (r *ParamRecord) Bytes() []byte { return r.buf }

// Len is the allocated size, zero once released.
func (r *ParamRecord) Len() int { return len(r.buf) }

// Load reads the engine's parameters into r. The engine validates the
// declared size and answers InvalidArgument on mismatch.
func (r *ParamRecord) Load(e Engine) error {
	_, code := e.GetParam(r.buf)
	return check("GetParam", code)
}

// header returns an untracked copy of the fixed header.
func (r *ParamRecord) header() *ParamRecord {
	return &ParamRecord{buf: bytes.Clone(r.buf[:HeaderSize])}
}

// Apply hands r to the engine.
func (r *ParamRecord) Apply(e Engine) error {
	return check("SetParam", e.SetParam(r.buf))
}

func (r *ParamRecord) Size() uint32      { return le.Uint32(r.buf[offSize:]) }
func (r *ParamRecord) SpeakerCount() int { return int(le.Uint32(r.buf[offNumSpeakers:])) }

func (r *ParamRecord) Procs() Procs {
	return Procs{
		TextBuf: le.Uint32(r.buf[offProcTextBuf:]),
		RawBuf:  le.Uint32(r.buf[offProcRawBuf:]),
		Event:   le.Uint32(r.buf[offProcEventTTS:]),
	}
}

func (r *ParamRecord) SetProcs(p Procs) {
	le.PutUint32(r.buf[offProcTextBuf:], p.TextBuf)
	le.PutUint32(r.buf[offProcRawBuf:], p.RawBuf)
	le.PutUint32(r.buf[offProcEventTTS:], p.Event)
}

// TextBufBytes is the engine's per-job text buffer size.
func (r *ParamRecord) TextBufBytes() uint32 { return le.Uint32(r.buf[offLenTextBuf:]) }

// RawBufWords is the engine's per-job audio buffer size in samples.
func (r *ParamRecord) RawBufWords() uint32 { return le.Uint32(r.buf[offLenRawBufWords:]) }

func (r *ParamRecord) SetTextBufBytes(v uint32) { le.PutUint32(r.buf[offLenTextBuf:], v) }
func (r *ParamRecord) SetRawBufWords(v uint32)  { le.PutUint32(r.buf[offLenRawBufWords:], v) }

func (r *ParamRecord) Volume() float32         { return getF32(r.buf, offVolume) }
func (r *ParamRecord) SetVolume(v float32)     { putF32(r.buf, offVolume, v) }
func (r *ParamRecord) PauseBegin() int32       { return getI32(r.buf, offPauseBegin) }
func (r *ParamRecord) SetPauseBegin(v int32)   { putI32(r.buf, offPauseBegin, v) }
func (r *ParamRecord) PauseTerm() int32        { return getI32(r.buf, offPauseTerm) }
func (r *ParamRecord) SetPauseTerm(v int32)    { putI32(r.buf, offPauseTerm, v) }
func (r *ParamRecord) ExtendFormat() int32     { return getI32(r.buf, offExtendFormat) }
func (r *ParamRecord) SetExtendFormat(v int32) { putI32(r.buf, offExtendFormat, v) }

func (r *ParamRecord) VoiceName() string {
	return ShiftJIS.Decode(r.buf[offVoiceName : offVoiceName+MaxVoiceName])
}

func (r *ParamRecord) SetVoiceName(name string) error {
	return putString(r.buf[offVoiceName:offVoiceName+MaxVoiceName], name)
}

// Jeita returns a view over the JEITA prosody block of the header.
func (r *ParamRecord) Jeita() Jeita { return Jeita{b: r.buf[offJeitaFemale:offNumSpeakers]} }

// Speaker returns a bounds-checked view over trailing entry i.
func (r *ParamRecord) Speaker(i int) (Speaker, error) {
	n := r.SpeakerCount()
	if i < 0 || i >= n {
		return Speaker{}, fmt.Errorf("speaker index %d out of range [0,%d)", i, n)
	}
	off := HeaderSize + i*SpeakerSize
	if off+SpeakerSize > len(r.buf) {
		return Speaker{}, protocolErrorf("speaker", "record of %d bytes cannot hold speaker %d", len(r.buf), i)
	}
	return Speaker{b: r.buf[off : off+SpeakerSize : off+SpeakerSize]}, nil
}

// Speakers returns views over every trailing entry.
func (r *ParamRecord) Speakers() []Speaker {
	n := r.SpeakerCount()
	out := make([]Speaker, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.Speaker(i)
		if err != nil {
			break
		}
		out = append(out, s)
	}
	return out
}

// FindSpeaker returns the entry whose voice name equals name.
func (r *ParamRecord) FindSpeaker(name string) (Speaker, bool) {
	for _, s := range r.Speakers() {
		if s.Name() == name {
			return s, true
		}
	}
	return Speaker{}, false
}

// Jeita is the global JEITA prosody block.
type Jeita struct{ b []byte }

const (
	jeitaFemale   = offJeitaFemale - offJeitaFemale
	jeitaMale     = offJeitaMale - offJeitaFemale
	jeitaMiddle   = offJeitaMiddle - offJeitaFemale
	jeitaLong     = offJeitaLong - offJeitaFemale
	jeitaSentence = offJeitaSentence - offJeitaFemale
	jeitaControl  = offJeitaControl - offJeitaFemale
)

func (j Jeita) FemaleName() string {
	return ShiftJIS.Decode(j.b[jeitaFemale : jeitaFemale+MaxVoiceName])
}
func (j Jeita) MaleName() string     { return ShiftJIS.Decode(j.b[jeitaMale : jeitaMale+MaxVoiceName]) }
func (j Jeita) PauseMiddle() int32   { return getI32(j.b, jeitaMiddle) }
func (j Jeita) PauseLong() int32     { return getI32(j.b, jeitaLong) }
func (j Jeita) PauseSentence() int32 { return getI32(j.b, jeitaSentence) }
func (j Jeita) Control() string {
	return ShiftJIS.Decode(j.b[jeitaControl : jeitaControl+MaxJeitaControl])
}

func (j Jeita) SetFemaleName(s string) error {
	return putString(j.b[jeitaFemale:jeitaFemale+MaxVoiceName], s)
}
func (j Jeita) SetMaleName(s string) error {
	return putString(j.b[jeitaMale:jeitaMale+MaxVoiceName], s)
}
func (j Jeita) SetPauseMiddle(v int32)   { putI32(j.b, jeitaMiddle, v) }
func (j Jeita) SetPauseLong(v int32)     { putI32(j.b, jeitaLong, v) }
func (j Jeita) SetPauseSentence(v int32) { putI32(j.b, jeitaSentence, v) }
func (j Jeita) SetControl(s string) error {
	return putString(j.b[jeitaControl:jeitaControl+MaxJeitaControl], s)
}

// Speaker is a view over one voice persona entry.
type Speaker struct{ b []byte }

func (s Speaker) Name() string         { return ShiftJIS.Decode(s.b[spkOffName : spkOffName+MaxVoiceName]) }
func (s Speaker) Volume() float32      { return getF32(s.b, spkOffVolume) }
func (s Speaker) Speed() float32       { return getF32(s.b, spkOffSpeed) }
func (s Speaker) Pitch() float32       { return getF32(s.b, spkOffPitch) }
func (s Speaker) Range() float32       { return getF32(s.b, spkOffRange) }
func (s Speaker) PauseMiddle() int32   { return getI32(s.b, spkOffMiddle) }
func (s Speaker) PauseLong() int32     { return getI32(s.b, spkOffLong) }
func (s Speaker) PauseSentence() int32 { return getI32(s.b, spkOffSentence) }
func (s Speaker) StyleRate() string {
	return ShiftJIS.Decode(s.b[spkOffStyleRate : spkOffStyleRate+MaxVoiceName])
}
func (s Speaker) SetVolume(v float32)      { putF32(s.b, spkOffVolume, v) }
func (s Speaker) SetSpeed(v float32)       { putF32(s.b, spkOffSpeed, v) }
func (s Speaker) SetPitch(v float32)       { putF32(s.b, spkOffPitch, v) }
func (s Speaker) SetRange(v float32)       { putF32(s.b, spkOffRange, v) }
func (s Speaker) SetPauseMiddle(v int32)   { putI32(s.b, spkOffMiddle, v) }
func (s Speaker) SetPauseLong(v int32)     { putI32(s.b, spkOffLong, v) }
func (s Speaker) SetPauseSentence(v int32) { putI32(s.b, spkOffSentence, v) }

func (s Speaker) SetName(name string) error {
	return putString(s.b[spkOffName:spkOffName+MaxVoiceName], name)
}

// SetStyleRate sets the style mix ratio string.
func (s Speaker) SetStyleRate(rate string) error {
	return putString(s.b[spkOffStyleRate:spkOffStyleRate+MaxVoiceName], rate)
}

func getI32(b []byte, off int) int32      { return int32(le.Uint32(b[off:])) }
func putI32(b []byte, off int, v int32)   { le.PutUint32(b[off:], uint32(v)) }
func getF32(b []byte, off int) float32    { return math.Float32frombits(le.Uint32(b[off:])) }
func putF32(b []byte, off int, v float32) { le.PutUint32(b[off:], math.Float32bits(v)) }

// putString writes s NUL padded into a fixed field, keeping room for the
// terminator.
func putString(field []byte, s string) error {
	enc, err := ShiftJIS.Encode(s)
	if err != nil {
		return fmt.Errorf("encode %q: %w", s, err)
	}
	if len(enc) >= len(field) {
		return fmt.Errorf("%q is %d bytes, field holds %d", s, len(enc), len(field)-1)
	}
	clear(field)
	copy(field, enc)
	return nil
}
