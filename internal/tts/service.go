package tts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
	"github.com/loqalabs/loqa-aitalk/internal/bus"
	"github.com/loqalabs/loqa-aitalk/internal/config"
	"github.com/loqalabs/loqa-aitalk/internal/eventstore"
	"github.com/loqalabs/loqa-aitalk/internal/protocol"
	"github.com/nats-io/nats.go"
)

// QueueGroup spreads requests across every node serving the engine.
const QueueGroup = "loqa-tts"

// ErrServiceClosing answers requests that arrive once Close has begun.
var ErrServiceClosing = errors.New("tts service closing")

type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	store  *eventstore.Store
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	closing bool
}

// NewService wires synth to the bus. store may be nil.
func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	kanaSub, err := conn.QueueSubscribe(protocol.SubjectKanaRequest, QueueGroup, s.handleKana)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, kanaSub)
	speechSub, err := conn.QueueSubscribe(protocol.SubjectSpeechRequest, QueueGroup, s.handleSpeech)
	if err != nil {
		_ = kanaSub.Unsubscribe()
		s.subs = nil
		return err
	}
	s.subs = append(s.subs, speechSub)
	s.logger.Info("tts service started",
		slog.String("kana_subject", protocol.SubjectKanaRequest),
		slog.String("speech_subject", protocol.SubjectSpeechRequest))
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	// Drain is asynchronous; handlers may still be dispatched until the
	// subscription closes.
	deadline := time.Now().Add(s.requestTimeout())
	for _, sub := range s.subs {
		for sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
}

// begin registers an in-flight request unless Close has begun.
func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) == 2 }

func (s *Service) requestTimeout() time.Duration {
	return time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
}

func (s *Service) handleKana(msg *nats.Msg) {
	var req protocol.KanaRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode kana request", slogError(err))
		s.respond(msg, protocol.KanaReply{Error: err.Error()})
		return
	}
	normalize(&req.RequestID, &req.SessionID)
	if !s.begin() {
		s.respond(msg, protocol.KanaReply{RequestID: req.RequestID, SessionID: req.SessionID, Error: ErrServiceClosing.Error()})
		return
	}
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout())
		defer cancel()

		started := time.Now()
		kana, err := s.synth.Convert(ctx, req.Text)
		reply := protocol.KanaReply{RequestID: req.RequestID, SessionID: req.SessionID, Kana: kana}
		job := eventstore.Job{
			SessionID:   req.SessionID,
			RequestID:   req.RequestID,
			Kind:        aitalk.KindPhonetic.String(),
			InputBytes:  len(req.Text),
			OutputBytes: len(kana),
			Outcome:     "ok",
			Duration:    time.Since(started),
		}
		if err != nil {
			s.logger.Warn("kana conversion failed", slog.String("request_id", req.RequestID), slogError(err))
			reply.Error = err.Error()
			job.Outcome, job.Error = outcome(err), err.Error()
		}
		s.respond(msg, reply)
		s.record(ctx, job, nil)
	}()
}

func (s *Service) handleSpeech(msg *nats.Msg) {
	var req protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speech request", slogError(err))
		s.respond(msg, protocol.SpeechReply{Error: err.Error()})
		return
	}
	normalize(&req.RequestID, &req.SessionID)
	if !s.begin() {
		s.respond(msg, protocol.SpeechReply{RequestID: req.RequestID, SessionID: req.SessionID, Error: ErrServiceClosing.Error()})
		return
	}
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout())
		defer cancel()

		started := time.Now()
		result, err := s.synth.Synthesize(ctx, SynthRequest{Text: req.Text, Kana: req.Kana, Voice: req.Voice})
		reply := protocol.SpeechReply{RequestID: req.RequestID, SessionID: req.SessionID}
		job := eventstore.Job{
			SessionID:  req.SessionID,
			RequestID:  req.RequestID,
			Kind:       aitalk.KindWaveform.String(),
			Voice:      req.Voice,
			InputBytes: len(req.Kana) + len(req.Text),
			Outcome:    "ok",
		}
		if err != nil {
			s.logger.Warn("tts synthesis error", slog.String("request_id", req.RequestID), slogError(err))
			reply.Error = err.Error()
			job.Outcome, job.Error = outcome(err), err.Error()
			job.Duration = time.Since(started)
			s.publishStatus(req, err)
			s.respond(msg, reply)
			s.record(ctx, job, nil)
			return
		}

		chunks := s.publishAudio(req, result)
		events := s.publishEvents(req, result.Events)
		s.publishStatus(req, nil)

		reply.Kana = result.Kana
		reply.SampleRate = result.SampleRate
		reply.Samples = len(result.PCM) / 2
		reply.Chunks = chunks
		reply.Events = len(result.Events)
		s.respond(msg, reply)

		job.Voice = result.Voice
		job.OutputBytes = len(result.PCM)
		job.Duration = time.Since(started)
		s.record(ctx, job, events)
	}()
}

// publishAudio splits the waveform into chunk_duration_ms frames. An empty
// waveform still yields one final frame.
func (s *Service) publishAudio(req protocol.SpeechRequest, result Synthesis) int {
	frames := splitPCM(result.PCM, chunkBytes(result.SampleRate, s.cfg.ChunkDurationMS))
	for i, pcm := range frames {
		packet := protocol.AudioChunk{
			RequestID:  req.RequestID,
			SessionID:  req.SessionID,
			Target:     req.Target,
			SampleRate: result.SampleRate,
			Channels:   1,
			Sequence:   i,
			PCM:        pcm,
			Final:      i == len(frames)-1,
		}
		s.publish(protocol.SubjectTTSAudio, packet)
	}
	return len(frames)
}

func (s *Service) publishEvents(req protocol.SpeechRequest, events []aitalk.Event) []eventstore.Event {
	out := make([]eventstore.Event, 0, len(events))
	for _, ev := range events {
		msg := protocol.SynthesisEvent{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Kind:      ev.Kind.String(),
			Tick:      ev.Tick,
			Name:      ev.Name,
			Offset:    ev.Offset,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Warn("failed to marshal synthesis event", slogError(err))
			continue
		}
		if s.cfg.PublishEvents {
			if err := s.bus.Conn().Publish(protocol.SubjectTTSEvents, data); err != nil {
				s.logger.Warn("failed to publish synthesis event", slogError(err))
			}
		}
		out = append(out, eventstore.Event{Type: "tts." + msg.Kind, Payload: data, Privacy: "session"})
	}
	return out
}

func (s *Service) publishStatus(req protocol.SpeechRequest, cause error) {
	status := protocol.TTSStatus{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: cause == nil,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	s.publish(protocol.SubjectTTSDone, status)
}

func (s *Service) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish message", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func (s *Service) record(ctx context.Context, job eventstore.Job, events []eventstore.Event) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AppendSession(ctx, job.SessionID, "", "session"); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
		return
	}
	if _, err := s.store.RecordJob(ctx, job, events); err != nil {
		s.logger.Warn("failed to record job", slog.String("request_id", job.RequestID), slogError(err))
	}
}

func normalize(requestID, sessionID *string) {
	if *requestID == "" {
		*requestID = uuid.NewString()
	}
	if *sessionID == "" {
		*sessionID = *requestID
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, aitalk.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// chunkBytes is the size of ms of 16-bit mono audio at rate.
func chunkBytes(rate, ms int) int {
	n := rate * ms / 1000 * 2
	if n < 2 {
		n = 2
	}
	return n
}

func splitPCM(pcm []byte, size int) [][]byte {
	if len(pcm) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(pcm) > size {
		out = append(out, pcm[:size:size])
		pcm = pcm[size:]
	}
	return append(out, pcm)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
