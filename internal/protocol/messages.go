package protocol

import "time"

// KanaRequest asks the engine to convert plain text into phonetic kana.
type KanaRequest struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// KanaReply answers a KanaRequest.
type KanaReply struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Kana      string `json:"kana,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SpeechRequest asks for a waveform. Kana takes precedence over Text; when
// only Text is set it is converted first.
type SpeechRequest struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
	Target    string `json:"target,omitempty"`
	Text      string `json:"text,omitempty"`
	Kana      string `json:"kana,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

// SpeechReply summarises a finished synthesis. Audio itself travels as
// AudioChunk frames.
type SpeechReply struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id"`
	Kana       string `json:"kana,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Samples    int    `json:"samples"`
	Chunks     int    `json:"chunks"`
	Events     int    `json:"events"`
	Error      string `json:"error,omitempty"`
}

// AudioChunk carries 16-bit little-endian PCM produced by synthesis.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus reports the end of a synthesis request.
type TTSStatus struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SynthesisEvent is a phoneme label or bookmark raised during synthesis.
type SynthesisEvent struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Tick      uint64 `json:"tick"`
	Name      string `json:"name,omitempty"`
	Offset    uint32 `json:"offset,omitempty"`
}

const (
	SubjectKanaRequest   = "tts.kana.request"
	SubjectSpeechRequest = "tts.speech.request"
	SubjectTTSAudio      = "tts.audio.out"
	SubjectTTSDone       = "tts.done"
	SubjectTTSEvents     = "tts.events"
)
