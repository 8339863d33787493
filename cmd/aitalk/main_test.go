package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestKanaCommand(t *testing.T) {
	assert.Equal(t, "konnichiwa\n", run(t, "kana", "konnichiwa"))
}

func TestSayCommandWritesWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.wav")
	out := run(t, "say", "hello", "-o", path, "--events")
	assert.Contains(t, out, "wrote "+path)
	assert.Contains(t, out, "phonetic")

	info, err := os.Stat(path)
	require.NoError(t, err)
	// RIFF header plus 320 16-bit samples.
	assert.Greater(t, info.Size(), int64(640))
}

func TestParamsCommand(t *testing.T) {
	out := run(t, "params")
	assert.Contains(t, out, "voice:         sim")
	assert.Contains(t, out, "speaker sim")
}
