package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteWAVRoundTrip(t *testing.T) {
	want := []int16{0, 1000, -1000, 32767, -32768, 7}
	pcm := make([]byte, len(want)*2)
	for i, s := range want {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteWAV(f, pcm, 44100, 1))
	require.NoError(t, f.Close())

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()
	dec := wav.NewDecoder(in)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 44100, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	require.Len(t, buf.Data, len(want))
	for i, s := range want {
		assert.Equal(t, int(s), buf.Data[i])
	}
}

func TestWriteWAVRejectsOddPayload(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	require.NoError(t, err)
	defer f.Close()
	assert.Error(t, WriteWAV(f, []byte{1, 2, 3}, 44100, 1))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Second, Duration(88200, 44100, 1))
	assert.Equal(t, 500*time.Millisecond, Duration(88200, 44100, 2))
	assert.Equal(t, time.Duration(0), Duration(100, 0, 1))
}
