package tts

import (
	"context"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
)

// SynthRequest contains parameters to synthesize speech. Kana, when set, is
// used as is; otherwise Text is converted first.
type SynthRequest struct {
	Text  string
	Kana  string
	Voice string
}

// Synthesis is a finished rendering.
type Synthesis struct {
	Kana       string
	Voice      string
	SampleRate int
	PCM        []byte
	Events     []aitalk.Event
}

// Synthesizer is the contract for producing kana and audio.
type Synthesizer interface {
	Convert(ctx context.Context, text string) (string, error)
	Synthesize(ctx context.Context, req SynthRequest) (Synthesis, error)
}
