package runtime

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
	"github.com/loqalabs/loqa-aitalk/internal/aitalk/simulator"
	"github.com/loqalabs/loqa-aitalk/internal/config"
	"github.com/loqalabs/loqa-aitalk/internal/native"
)

// simulatedVoice is loaded in mock mode when no voice is configured.
const simulatedVoice = "sim"

// OpenEngine returns the engine selected by tts.mode together with a
// function that releases it.
func OpenEngine(cfg config.Config) (aitalk.Engine, func() error, error) {
	switch cfg.TTS.Mode {
	case "aitalk":
		lib, err := native.Open(cfg.AITalk.InstallDir, cfg.AITalk.DLL)
		if err != nil {
			return nil, nil, err
		}
		return lib, native.CloseAll, nil
	case "mock", "":
		voice := cfg.AITalk.Voice
		if voice == "" {
			voice = simulatedVoice
		}
		sim := simulator.New(simulator.Config{Voices: map[string][]string{voice: {voice}}})
		return sim, func() error {
			sim.Release()
			sim.Wait()
			return nil
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown tts mode %q", cfg.TTS.Mode)
	}
}

// ClientOptions maps configuration onto aitalk.Open options. Relative engine
// paths resolve against the install dir.
func ClientOptions(cfg config.Config, log *slog.Logger) aitalk.Options {
	a := cfg.AITalk
	voice := a.Voice
	if voice == "" && cfg.TTS.Mode != "aitalk" {
		voice = simulatedVoice
	}
	return aitalk.Options{
		Engine: aitalk.EngineConfig{
			VoiceDBHz:   uint32(a.VoiceDBHz),
			VoiceDBDir:  underInstall(a.InstallDir, a.VoiceDir),
			TimeoutMS:   uint32(a.EngineTimeoutMS),
			LicensePath: underInstall(a.InstallDir, a.LicensePath),
			AuthSeed:    a.AuthSeed,
		},
		InstallDir:   a.InstallDir,
		Language:     a.Language,
		Voice:        voice,
		Dictionaries: Dictionaries(cfg),
		ExtendFormat: int32(a.ExtendFormat),
		JobTimeout:   time.Duration(a.JobTimeoutMS) * time.Millisecond,
		Logger:       log,
	}
}

// Dictionaries is the configured user dictionary set.
func Dictionaries(cfg config.Config) aitalk.DictionarySet {
	d := cfg.AITalk.Dictionaries
	return aitalk.DictionarySet{Word: d.Word, Phrase: d.Phrase, Symbol: d.Symbol}
}

func underInstall(installDir, p string) string {
	if p == "" || installDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(installDir, p)
}
