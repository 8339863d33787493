package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
	"github.com/loqalabs/loqa-aitalk/internal/audio"
	"github.com/loqalabs/loqa-aitalk/internal/config"
	"github.com/loqalabs/loqa-aitalk/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configPath string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:           "aitalk",
		Short:         "Drive the AITalk engine from the command line",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")
	rootCmd.AddCommand(kanaCmd(), sayCmd(), paramsCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// session is an opened engine and client for a single command.
type session struct {
	client  *aitalk.Client
	release func() error
}

func openSession() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	engine, release, err := runtime.OpenEngine(cfg)
	if err != nil {
		return nil, err
	}
	client, err := aitalk.Open(engine, runtime.ClientOptions(cfg, logger))
	if err != nil {
		_ = release()
		return nil, err
	}
	return &session{client: client, release: release}, nil
}

func (s *session) Close() error {
	err := s.client.Close()
	if rerr := s.release(); err == nil {
		err = rerr
	}
	return err
}

func kanaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kana TEXT",
		Short: "Convert text to phonetic kana",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			kana, err := s.client.ConvertToPhonetic(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kana.String())
			return nil
		},
	}
}

func sayCmd() *cobra.Command {
	var (
		output  string
		voice   string
		isKana  bool
		showEvt bool
	)
	cmd := &cobra.Command{
		Use:   "say TEXT",
		Short: "Synthesize text (or kana with --kana) into a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			if voice != "" {
				if err := s.client.SwitchVoice(ctx, voice); err != nil {
					return fmt.Errorf("switch voice %q: %w", voice, err)
				}
			}
			var kana aitalk.Phonetic
			if isKana {
				kana, err = aitalk.ParsePhonetic(args[0])
			} else {
				kana, err = s.client.ConvertToPhonetic(ctx, args[0])
			}
			if err != nil {
				return err
			}

			start := time.Now()
			wave, events, err := s.client.Synthesize(ctx, kana)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := audio.WriteWAV(f, wave, s.client.SampleRate(), 1); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wrote %s: %s, %s of audio, %s events, synthesized in %s\n",
				output,
				humanize.Bytes(uint64(len(wave))),
				audio.Duration(len(wave), s.client.SampleRate(), 1).Round(time.Millisecond),
				humanize.Comma(int64(len(events))),
				elapsed.Round(time.Millisecond),
			)
			if showEvt {
				for _, ev := range events {
					fmt.Fprintf(out, "%10d  %-9s %s %d\n", ev.Tick, ev.Kind, ev.Name, ev.Offset)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "out.wav", "WAV file to write")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice to load before synthesis")
	cmd.Flags().BoolVar(&isKana, "kana", false, "Treat the argument as phonetic kana")
	cmd.Flags().BoolVar(&showEvt, "events", false, "List synthesis events")
	return cmd
}

func paramsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "Show the loaded voice parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()
			err = s.client.ViewParams(cmd.Context(), func(p *aitalk.ParamRecord) {
				fmt.Fprintf(out, "voice:         %s\n", p.VoiceName())
				fmt.Fprintf(out, "record size:   %s\n", humanize.Bytes(uint64(p.Size())))
				fmt.Fprintf(out, "text buffer:   %s\n", humanize.Bytes(uint64(p.TextBufBytes())))
				fmt.Fprintf(out, "raw buffer:    %s samples\n", humanize.Comma(int64(p.RawBufWords())))
				fmt.Fprintf(out, "volume:        %.2f\n", p.Volume())
				fmt.Fprintf(out, "extend format: %d\n", p.ExtendFormat())
				for _, sp := range p.Speakers() {
					fmt.Fprintf(out, "speaker %-12s volume %.2f speed %.2f pitch %.2f range %.2f\n",
						sp.Name(), sp.Volume(), sp.Speed(), sp.Pitch(), sp.Range())
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "param memory:  %s\n", humanize.Bytes(uint64(s.client.ParamBytesInUse())))
			return nil
		},
	}
}
