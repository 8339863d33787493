package aitalk

import (
	"bytes"
	"errors"
	"testing"
)

// fakeEngine answers only the calls a test overrides.
type fakeEngine struct {
	Engine
	kana     [][]byte
	data     [][]byte
	reads    int
	size     uint32
	sizeCode ResultCode
	params   []byte
}

func (f *fakeEngine) GetKana(_ int32, buf []byte) (uint32, uint32, ResultCode) {
	if f.reads >= len(f.kana) {
		return 0, 0, NoMoreData
	}
	chunk := f.kana[f.reads]
	f.reads++
	n := copy(buf, chunk)
	if len(chunk) > len(buf) {
		n = len(chunk)
	}
	return uint32(n), uint32(f.reads), Success
}

func (f *fakeEngine) GetData(_ int32, buf []byte) (uint32, ResultCode) {
	if f.reads >= len(f.data) {
		return 0, NoMoreData
	}
	chunk := f.data[f.reads]
	f.reads++
	copy(buf, chunk)
	return uint32(len(chunk) / 2), Success
}

func (f *fakeEngine) GetParam(buf []byte) (uint32, ResultCode) {
	if buf == nil {
		return f.size, f.sizeCode
	}
	if uint32(len(buf)) != f.size {
		return f.size, InvalidArgument
	}
	if f.params != nil {
		copy(buf, f.params)
	}
	return f.size, Success
}

func TestJobTransitions(t *testing.T) {
	j := newJob(KindPhonetic, 1, 16)
	for _, to := range []JobState{StateDraining, StateDraining, StateCompleted, StateClosed} {
		if err := j.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	want := []JobState{StateSubmitted, StateDraining, StateCompleted, StateClosed}
	got := j.History()
	if len(got) != len(want) {
		t.Fatalf("expected history %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected history %v, got %v", want, got)
		}
	}
	if err := j.transition(StateClosed); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation closing twice, got %v", err)
	}
}

func TestJobIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
	}{
		{StateSubmitted, StateCompleted},
		{StateSubmitted, StateClosed},
		{StateDraining, StateClosed},
		{StateCompleted, StateFailed},
		{StateFailed, StateDraining},
		{StateClosed, StateDraining},
	}
	for _, tc := range cases {
		if canTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestJobFailSignalsGate(t *testing.T) {
	j := newJob(KindWaveform, 1, 16)
	cause := &EngineError{Op: "GetData", Code: InternalError}
	j.fail(cause)
	if j.State() != StateFailed {
		t.Fatalf("expected failed, got %s", j.State())
	}
	if !j.gate.Signalled() {
		t.Fatal("expected gate to be signalled")
	}
	j.fail(errors.New("second"))
	if !errors.Is(j.Err(), InternalError) {
		t.Fatalf("expected first cause to stick, got %v", j.Err())
	}
}

func TestJobBind(t *testing.T) {
	j := newJob(KindPhonetic, 1, 16)
	if err := j.bind(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := j.bind(3); err != nil {
		t.Fatalf("expected rebinding same id to pass: %v", err)
	}
	if err := j.bind(4); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if id, ok := j.ID(); !ok || id != 3 {
		t.Fatalf("expected id 3, got %d (%v)", id, ok)
	}
}

func TestCollectPreservesArrivalOrder(t *testing.T) {
	j := newJob(KindWaveform, 1, 16)
	j.collect(ReasonPhoneticLabel, 5, []byte("a\x00"))
	j.collect(ReasonAutoBookmark, 2, []byte("12\x00"))
	j.collect(ReasonBookmark, 9, []byte("mark\x00"))
	j.collect(ReasonRawBufFull, 1, nil)
	if j.collect(ReasonAutoBookmark, 4, []byte("x1")) {
		t.Fatal("expected malformed auto bookmark to be dropped")
	}

	events := j.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantTicks := []uint64{5, 2, 9}
	wantKinds := []EventKind{EventPhonetic, EventPosition, EventBookmark}
	for i, ev := range events {
		if ev.Tick != wantTicks[i] || ev.Kind != wantKinds[i] {
			t.Fatalf("event %d: expected %d/%s, got %d/%s", i, wantTicks[i], wantKinds[i], ev.Tick, ev.Kind)
		}
	}
	if events[0].Name != "a" || events[1].Offset != 12 || events[2].Name != "mark" {
		t.Fatalf("unexpected payloads: %+v", events)
	}
}

func TestCapacities(t *testing.T) {
	if got := textCapacity(0); got != LenTextBufMax {
		t.Fatalf("expected text fallback %d, got %d", LenTextBufMax, got)
	}
	if got := textCapacity(1 << 20); got != LenTextBufMax {
		t.Fatalf("expected text cap %d, got %d", LenTextBufMax, got)
	}
	if got := textCapacity(300); got != 300 {
		t.Fatalf("expected 300, got %d", got)
	}
	if got := rawCapacity(0); got != LenRawBufMaxBytes {
		t.Fatalf("expected raw fallback %d, got %d", LenRawBufMaxBytes, got)
	}
	if got := rawCapacity(3); got != 6 {
		t.Fatalf("expected 6 bytes, got %d", got)
	}
}

func TestDrainTextStopsOnShortChunk(t *testing.T) {
	f := &fakeEngine{kana: [][]byte{
		bytes.Repeat([]byte("a"), 8),
		bytes.Repeat([]byte("b"), 7),
		[]byte("cc"),
		[]byte("never"),
	}}
	j := newJob(KindPhonetic, 1, 8)
	code, err := drainText(f, j, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != Success {
		t.Fatalf("expected success, got %s", code)
	}
	if got := j.buf.String(); got != "aaaaaaaabbbbbbbcc" {
		t.Fatalf("unexpected accumulation %q", got)
	}
	if j.TextPosition() != 3 {
		t.Fatalf("expected position 3, got %d", j.TextPosition())
	}

	// The next cycle resumes where the engine's cursor left off.
	if _, err := drainText(f, j, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := j.buf.String(); got != "aaaaaaaabbbbbbbccnever" {
		t.Fatalf("unexpected accumulation %q", got)
	}
	code, _ = drainText(f, j, 1)
	if code != NoMoreData {
		t.Fatalf("expected NoMoreData, got %s", code)
	}
}

func TestDrainTextRejectsOverlongRead(t *testing.T) {
	f := &fakeEngine{kana: [][]byte{bytes.Repeat([]byte("z"), 9)}}
	j := newJob(KindPhonetic, 1, 8)
	if _, err := drainText(f, j, 1); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestDrainRawCountsWords(t *testing.T) {
	f := &fakeEngine{data: [][]byte{
		make([]byte, 8),
		{1, 0, 2, 0, 3, 0},
		{9, 9},
	}}
	j := newJob(KindWaveform, 1, 8)
	if _, err := drainRaw(f, j, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 4 words fill capacity, 3 words is capacity minus one, 1 word is short.
	if j.buf.Len() != 16 {
		t.Fatalf("expected 16 bytes, got %d", j.buf.Len())
	}
}
