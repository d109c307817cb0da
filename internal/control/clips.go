package control

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

// maxClipBytes bounds how much decoded audio a clip load accepts.
// Static tracks live outside the per-client arena, so the cap is what
// keeps a client from ballooning the server.
const maxClipBytes = 16 << 20

// LoadClip decodes a wav or mp3 file into interleaved 16-bit samples
// ready for a static track.
func LoadClip(path string) (samples []int16, sampleRate, channels int, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return loadWav(path)
	case ".mp3":
		return loadMP3(path)
	}
	return nil, 0, 0, fmt.Errorf("unsupported clip format: %s", filepath.Ext(path))
}

func loadWav(path string) ([]int16, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("not a wav file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if len(buf.Data)*2 > maxClipBytes {
		return nil, 0, 0, fmt.Errorf("clip too large: %s", path)
	}

	shift := int(dec.BitDepth) - 16
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		if shift > 0 {
			v >>= shift
		} else if shift < 0 {
			v <<= -shift
		}
		samples[i] = pcm.Saturate(int32(v))
	}
	return samples, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

func loadMP3(path string) ([]int16, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode mp3: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(dec, maxClipBytes+1))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read mp3: %w", err)
	}
	if len(data) > maxClipBytes {
		return nil, 0, 0, fmt.Errorf("clip too large: %s", path)
	}
	// go-mp3 always yields 16-bit little-endian stereo
	return pcm.BytesToInt16(data), dec.SampleRate(), 2, nil
}
