package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
)

// ErrEmptyRequest is returned when a request carries neither text nor kana.
var ErrEmptyRequest = errors.New("tts: request has no text or kana")

// VoiceHook is told about the loaded voice after every switch.
type VoiceHook func(voice string)

type engineSynth struct {
	client  *aitalk.Client
	onVoice VoiceHook

	// lock pairs a voice switch with the synthesis that asked for it.
	lock chan struct{}
}

// NewEngineSynth drives client for the service. onVoice may be nil.
func NewEngineSynth(client *aitalk.Client, onVoice VoiceHook) Synthesizer {
	return &engineSynth{client: client, onVoice: onVoice, lock: make(chan struct{}, 1)}
}

func (e *engineSynth) Convert(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyRequest
	}
	kana, err := e.client.ConvertToPhonetic(ctx, text)
	if err != nil {
		return "", err
	}
	return kana.String(), nil
}

func (e *engineSynth) Synthesize(ctx context.Context, req SynthRequest) (Synthesis, error) {
	if req.Text == "" && req.Kana == "" {
		return Synthesis{}, ErrEmptyRequest
	}
	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return Synthesis{}, ctx.Err()
	}
	defer func() { <-e.lock }()

	voice, err := e.voice(ctx)
	if err != nil {
		return Synthesis{}, err
	}
	if req.Voice != "" && req.Voice != voice {
		if err := e.client.SwitchVoice(ctx, req.Voice); err != nil {
			return Synthesis{}, fmt.Errorf("switch voice %q: %w", req.Voice, err)
		}
		voice = req.Voice
		if e.onVoice != nil {
			e.onVoice(voice)
		}
	}

	var kana aitalk.Phonetic
	if req.Kana != "" {
		kana, err = aitalk.ParsePhonetic(req.Kana)
	} else {
		kana, err = e.client.ConvertToPhonetic(ctx, req.Text)
	}
	if err != nil {
		return Synthesis{}, err
	}

	wave, events, err := e.client.Synthesize(ctx, kana)
	if err != nil {
		return Synthesis{}, err
	}
	return Synthesis{
		Kana:       kana.String(),
		Voice:      voice,
		SampleRate: e.client.SampleRate(),
		PCM:        wave,
		Events:     events,
	}, nil
}

func (e *engineSynth) voice(ctx context.Context) (string, error) {
	var name string
	err := e.client.ViewParams(ctx, func(r *aitalk.ParamRecord) { name = r.VoiceName() })
	return name, err
}
