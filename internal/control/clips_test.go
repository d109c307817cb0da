package control_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-audio/aurelia/internal/control"
)

func writeWav(t *testing.T, path string, rate, channels int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func TestLoadClipWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chime.wav")
	writeWav(t, path, 44100, 2, []int{0, 100, -100, 32767, -32768, 7})

	samples, rate, channels, err := control.LoadClip(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, rate)
	assert.Equal(t, 2, channels)
	assert.Equal(t, []int16{0, 100, -100, 32767, -32768, 7}, samples)
}

func TestLoadClipWavMono(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beep.wav")
	writeWav(t, path, 8000, 1, []int{500, 1000, 1500})

	samples, rate, channels, err := control.LoadClip(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	assert.Equal(t, 1, channels)
	assert.Len(t, samples, 3)
}

func TestLoadClipUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ogg")
	require.NoError(t, os.WriteFile(path, []byte("not audio"), 0o644))

	_, _, _, err := control.LoadClip(path)
	assert.ErrorContains(t, err, "unsupported clip format")
}

func TestLoadClipMissingFile(t *testing.T) {
	_, _, _, err := control.LoadClip(filepath.Join(t.TempDir(), "gone.wav"))
	assert.Error(t, err)
}

func TestLoadClipCorruptWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFgarbage"), 0o644))

	_, _, _, err := control.LoadClip(path)
	assert.Error(t, err)
}
