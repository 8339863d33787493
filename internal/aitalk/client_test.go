package aitalk_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
	"github.com/loqalabs/loqa-aitalk/internal/aitalk/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openClient(t *testing.T, cfg simulator.Config, opts aitalk.Options) (*aitalk.Client, *simulator.Engine) {
	t.Helper()
	if cfg.Voices == nil {
		cfg.Voices = map[string][]string{"yukari": {"yukari"}}
	}
	if opts.Voice == "" {
		opts.Voice = "yukari"
	}
	opts.Logger = testLogger()
	sim := simulator.New(cfg)
	client, err := aitalk.Open(sim, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		sim.Release()
		sim.Wait()
	})
	return client, sim
}

func chunks(parts ...string) func([]byte) [][]byte {
	return func([]byte) [][]byte {
		out := make([][]byte, len(parts))
		for i, p := range parts {
			out[i] = []byte(p)
		}
		return out
	}
}

func TestConvertHelloEndToEnd(t *testing.T) {
	client, sim := openClient(t, simulator.Config{Kana: chunks("he", "llo")}, aitalk.Options{})
	ctx := context.Background()

	input, err := aitalk.ShiftJIS.Encode("hello")
	require.NoError(t, err)
	job, err := client.Submit(ctx, aitalk.KindPhonetic, input)
	require.NoError(t, err)
	require.NoError(t, client.Wait(ctx, job))
	require.NoError(t, client.CloseJob(job))

	assert.Equal(t, []byte("hello"), job.Result())
	assert.Equal(t, []aitalk.JobState{
		aitalk.StateSubmitted,
		aitalk.StateDraining,
		aitalk.StateCompleted,
		aitalk.StateClosed,
	}, job.History())
	id, _ := job.ID()
	assert.Equal(t, []int32{id}, sim.Closed())
	assert.Equal(t, aitalk.Procs{}, sim.Installed(), "callbacks must be uninstalled after the job")
}

func TestConcatenationMatchesChunkOrder(t *testing.T) {
	cases := [][]string{
		{"a"},
		{"abc", "d", "efghij"},
		{string(bytes.Repeat([]byte("x"), 40)), "y", string(bytes.Repeat([]byte("z"), 33))},
	}
	for _, parts := range cases {
		var want []byte
		for _, p := range parts {
			want = append(want, p...)
		}

		// A 16 byte text buffer forces multi-read drains for long chunks.
		client, _ := openClient(t, simulator.Config{
			TextBufBytes: 16,
			RawBufWords:  8,
			Kana:         chunks(parts...),
			Wave:         chunks(evenPad(parts)...),
			Events:       func([]byte) []simulator.Event { return nil },
		}, aitalk.Options{})

		kana, err := client.ConvertToPhonetic(context.Background(), "ignored")
		require.NoError(t, err)
		assert.Equal(t, want, []byte(kana))

		wave, _, err := client.Synthesize(context.Background(), kana)
		require.NoError(t, err)
		assert.Equal(t, bytes.Join(byteParts(evenPad(parts)), nil), []byte(wave))
	}
}

func evenPad(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		if len(p)%2 == 1 {
			p += "_"
		}
		out[i] = p
	}
	return out
}

func byteParts(parts []string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func TestCloseOnlyJobIsEmpty(t *testing.T) {
	client, _ := openClient(t, simulator.Config{
		Kana: func([]byte) [][]byte { return nil },
	}, aitalk.Options{})

	kana, err := client.ConvertToPhonetic(context.Background(), "silence")
	require.NoError(t, err)
	assert.Empty(t, kana)
}

func TestSynthesizeEventOrder(t *testing.T) {
	client, _ := openClient(t, simulator.Config{
		Wave: func([]byte) [][]byte { return nil },
		Events: func([]byte) []simulator.Event {
			return []simulator.Event{
				{Reason: aitalk.ReasonPhoneticLabel, Tick: 5, Name: "a"},
				{Reason: aitalk.ReasonAutoBookmark, Tick: 2, Name: "12"},
				{Reason: aitalk.ReasonBookmark, Tick: 9, Name: "mark"},
				{Reason: aitalk.ReasonAutoBookmark, Tick: 11, Name: "not-a-number"},
			}
		},
	}, aitalk.Options{})

	wave, events, err := client.Synthesize(context.Background(), aitalk.Phonetic("kana"))
	require.NoError(t, err)
	assert.Empty(t, wave)
	require.Len(t, events, 3)
	assert.Equal(t, []aitalk.Event{
		{Tick: 5, Kind: aitalk.EventPhonetic, Name: "a"},
		{Tick: 2, Kind: aitalk.EventPosition, Offset: 12},
		{Tick: 9, Kind: aitalk.EventBookmark, Name: "mark"},
	}, events)
}

func TestConvertThenSynthesize(t *testing.T) {
	client, sim := openClient(t, simulator.Config{}, aitalk.Options{})
	ctx := context.Background()

	kana, err := client.ConvertToPhonetic(ctx, "こんにちは、世界")
	require.NoError(t, err)
	assert.Equal(t, "こんにちは、世界", kana.String())

	wave, events, err := client.Synthesize(ctx, kana)
	require.NoError(t, err)
	assert.Len(t, wave, len(kana)*128)
	assert.Len(t, wave.Samples(), len(kana)*64)
	assert.NotEmpty(t, events)
	assert.Equal(t, 0, sim.OpenJobs())
	assert.Equal(t, 44100, client.SampleRate())
}

func TestCloseTwiceIsProtocolViolation(t *testing.T) {
	client, _ := openClient(t, simulator.Config{}, aitalk.Options{})
	ctx := context.Background()

	job, err := client.Submit(ctx, aitalk.KindPhonetic, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, client.Wait(ctx, job))
	require.NoError(t, client.CloseJob(job))

	err = client.CloseJob(job)
	require.ErrorIs(t, err, aitalk.ErrProtocolViolation)
	err = client.CloseJobID(aitalk.KindPhonetic, 99)
	require.ErrorIs(t, err, aitalk.ErrProtocolViolation)

	// The phase was released once; the client keeps working.
	_, err = client.ConvertToPhonetic(ctx, "next")
	require.NoError(t, err)
}

func TestCloseBeforeCompletionIsRejected(t *testing.T) {
	client, sim := openClient(t, simulator.Config{HoldClose: true}, aitalk.Options{})
	ctx := context.Background()

	job, err := client.Submit(ctx, aitalk.KindPhonetic, []byte("abc"))
	require.NoError(t, err)
	err = client.CloseJob(job)
	require.ErrorIs(t, err, aitalk.ErrProtocolViolation)

	sim.Release()
	require.NoError(t, client.Wait(ctx, job))
	require.NoError(t, client.CloseJob(job))
}

func TestSubmissionFailureSkipsClose(t *testing.T) {
	client, sim := openClient(t, simulator.Config{}, aitalk.Options{})
	sim.FailNext("TextToKana", aitalk.TooManyJobs)

	_, err := client.ConvertToPhonetic(context.Background(), "x")
	require.ErrorIs(t, err, aitalk.TooManyJobs)
	var engErr *aitalk.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "TextToKana", engErr.Op)
	assert.Empty(t, sim.Closed())

	_, err = client.ConvertToPhonetic(context.Background(), "x")
	require.NoError(t, err)
}

func TestTimeoutAbandonsAndReapsJob(t *testing.T) {
	client, sim := openClient(t, simulator.Config{HoldClose: true}, aitalk.Options{JobTimeout: 30 * time.Millisecond})

	_, err := client.ConvertToPhonetic(context.Background(), "slow")
	require.ErrorIs(t, err, aitalk.ErrTimeout)
	var timeout *aitalk.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, aitalk.KindPhonetic, timeout.Kind)
	assert.Equal(t, 1, sim.OpenJobs())
	assert.NotZero(t, sim.Installed().TextBuf, "callback must stay installed for the abandoned job")

	sim.Release()
	require.Eventually(t, func() bool { return sim.OpenJobs() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEarlyCallbacksBindJob(t *testing.T) {
	client, _ := openClient(t, simulator.Config{Early: true, Kana: chunks("ab", "cd")}, aitalk.Options{})
	kana, err := client.ConvertToPhonetic(context.Background(), "abcd")
	require.NoError(t, err)
	assert.Equal(t, "abcd", kana.String())
}

// offsetEngine returns submission ids that disagree with the ids its
// callbacks carry.
type offsetEngine struct {
	*simulator.Engine
}

func (e offsetEngine) TextToKana(inOut aitalk.JobInOut, token uintptr, text []byte) (int32, aitalk.ResultCode) {
	id, code := e.Engine.TextToKana(inOut, token, text)
	if code.IsError() {
		return id, code
	}
	return id + 100, code
}

func TestSubmissionIDMismatchClosesEngineJob(t *testing.T) {
	sim := simulator.New(simulator.Config{Early: true})
	t.Cleanup(func() {
		sim.Release()
		sim.Wait()
	})
	reader := sdkmetric.NewManualReader()
	client, err := aitalk.Open(offsetEngine{sim}, aitalk.Options{
		Voice:         "sim",
		Logger:        testLogger(),
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	require.NoError(t, err)

	_, err = client.ConvertToPhonetic(context.Background(), "mismatch")
	require.ErrorIs(t, err, aitalk.ErrProtocolViolation)
	assert.Contains(t, err.Error(), "bound to id 1, engine reported 101")

	sim.Release()
	sim.Wait()
	require.Eventually(t, func() bool { return sim.OpenJobs() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{1}, sim.Closed())
	require.Eventually(t, func() bool {
		open, ok := gaugeValue(t, reader, "loqa.aitalk.jobs.open")
		return ok && open == 0
	}, time.Second, 5*time.Millisecond)
}

func gaugeValue(t *testing.T, reader sdkmetric.Reader, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			if !ok || len(g.DataPoints) == 0 {
				return 0, false
			}
			return g.DataPoints[0].Value, true
		}
	}
	return 0, false
}

func TestUnknownTokenCallbackIsDropped(t *testing.T) {
	_, sim := openClient(t, simulator.Config{}, aitalk.Options{})
	assert.Equal(t, int32(0), sim.Deliver(aitalk.ReasonTextBufClose, 7, 12345))
}

func TestSwitchVoiceReallocatesParams(t *testing.T) {
	client, _ := openClient(t, simulator.Config{
		Voices: map[string][]string{
			"yukari": {"yukari"},
			"trio":   {"a", "b", "c"},
		},
	}, aitalk.Options{ExtendFormat: aitalk.ExtendJeitaRuby | aitalk.ExtendAutoBookmark})
	ctx := context.Background()
	assert.Equal(t, int64(aitalk.RecordSize(1)), client.ParamBytesInUse())

	require.NoError(t, client.SwitchVoice(ctx, "trio"))
	assert.Equal(t, int64(aitalk.RecordSize(3)), client.ParamBytesInUse())

	err := client.ViewParams(ctx, func(rec *aitalk.ParamRecord) {
		assert.Equal(t, "trio", rec.VoiceName())
		assert.Equal(t, 3, rec.SpeakerCount())
		assert.Equal(t, int32(0), rec.PauseBegin())
		assert.Equal(t, aitalk.ExtendJeitaRuby|aitalk.ExtendAutoBookmark, rec.ExtendFormat())
		_, ok := rec.FindSpeaker("b")
		assert.True(t, ok)
	})
	require.NoError(t, err)

	_, err = client.ConvertToPhonetic(ctx, "after switch")
	require.NoError(t, err)
}

func TestUpdateParams(t *testing.T) {
	client, _ := openClient(t, simulator.Config{}, aitalk.Options{})
	ctx := context.Background()
	err := client.UpdateParams(ctx, func(rec *aitalk.ParamRecord) error {
		s, err := rec.Speaker(0)
		if err != nil {
			return err
		}
		s.SetSpeed(1.5)
		rec.SetVolume(2)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, client.ViewParams(ctx, func(rec *aitalk.ParamRecord) {
		assert.Equal(t, float32(2), rec.Volume())
	}))

	want := errors.New("refused")
	err = client.UpdateParams(ctx, func(*aitalk.ParamRecord) error { return want })
	require.ErrorIs(t, err, want)
}

func TestReloadDictionaries(t *testing.T) {
	client, sim := openClient(t, simulator.Config{}, aitalk.Options{
		Dictionaries: aitalk.DictionarySet{Word: "user.wdic"},
	})
	assert.Equal(t, "user.wdic", sim.Dictionary("word"))

	err := client.ReloadDictionaries(context.Background(), aitalk.DictionarySet{Phrase: "user.pdic"})
	require.NoError(t, err)
	assert.Equal(t, "", sim.Dictionary("word"))
	assert.Equal(t, "user.pdic", sim.Dictionary("phrase"))
}

func TestOpenFailsOnUnknownVoice(t *testing.T) {
	sim := simulator.New(simulator.Config{})
	_, err := aitalk.Open(sim, aitalk.Options{Voice: "nobody", Logger: testLogger()})
	require.ErrorIs(t, err, aitalk.FileNotFound)
}

func TestOpenFailureUnloadsEngine(t *testing.T) {
	cases := []struct {
		op      string
		cleared []string
	}{
		{op: "VoiceLoad", cleared: []string{"LangClear"}},
		{op: "SetParam", cleared: []string{"VoiceClear", "LangClear"}},
	}
	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			sim := simulator.New(simulator.Config{})
			sim.FailNext(tc.op, aitalk.InvalidArgument)
			_, err := aitalk.Open(sim, aitalk.Options{Voice: "sim", Logger: testLogger()})
			require.ErrorIs(t, err, aitalk.InvalidArgument)

			calls := sim.Calls()
			require.Contains(t, calls, tc.op)
			assert.Equal(t, tc.cleared, calls[len(calls)-len(tc.cleared):])

			client, err := aitalk.Open(sim, aitalk.Options{Voice: "sim", Logger: testLogger()})
			require.NoError(t, err)
			require.NoError(t, client.Close())
		})
	}
}

func TestCloseStopsObservingGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	client, _ := openClient(t, simulator.Config{}, aitalk.Options{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	inUse, ok := gaugeValue(t, reader, "loqa.aitalk.params.bytes")
	require.True(t, ok)
	assert.Equal(t, int64(aitalk.RecordSize(1)), inUse)

	require.NoError(t, client.Close())
	_, ok = gaugeValue(t, reader, "loqa.aitalk.params.bytes")
	assert.False(t, ok, "closed client must not be observed")
}

func TestCallersQueuedBehindCloseSeeClosedClient(t *testing.T) {
	client, _ := openClient(t, simulator.Config{}, aitalk.Options{})
	ctx := context.Background()

	holding := make(chan struct{})
	proceed := make(chan struct{})
	viewed := make(chan error, 1)
	go func() {
		viewed <- client.ViewParams(ctx, func(*aitalk.ParamRecord) {
			close(holding)
			<-proceed
		})
	}()
	<-holding

	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()
	// Let Close queue on the phase ahead of the callers below.
	time.Sleep(20 * time.Millisecond)

	converted := make(chan error, 1)
	go func() {
		_, err := client.ConvertToPhonetic(ctx, "late")
		converted <- err
	}()
	switched := make(chan error, 1)
	go func() { switched <- client.SwitchVoice(ctx, "yukari") }()
	time.Sleep(20 * time.Millisecond)
	close(proceed)

	require.NoError(t, <-viewed)
	require.NoError(t, <-closed)
	require.ErrorIs(t, <-converted, aitalk.ErrClientClosed)
	require.ErrorIs(t, <-switched, aitalk.ErrClientClosed)
}

func TestCloseClient(t *testing.T) {
	client, sim := openClient(t, simulator.Config{}, aitalk.Options{})
	require.NoError(t, client.Close())
	assert.Zero(t, client.ParamBytesInUse())
	assert.Contains(t, sim.Calls(), "LangClear")

	_, err := client.ConvertToPhonetic(context.Background(), "x")
	require.ErrorIs(t, err, aitalk.ErrClientClosed)
}
