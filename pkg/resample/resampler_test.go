package resample_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
	"github.com/aurelia-audio/aurelia/pkg/resample"
)

// sliceProvider feeds a fixed stereo sample slice in bounded chunks.
type sliceProvider struct {
	samples []int16
	pos     int
	chunk   int
}

func (p *sliceProvider) GetNextBuffer(frames int) ([]int16, int) {
	remaining := (len(p.samples) - p.pos) / 2
	if remaining <= 0 {
		return nil, 0
	}
	n := frames
	if p.chunk > 0 && n > p.chunk {
		n = p.chunk
	}
	if n > remaining {
		n = remaining
	}
	return p.samples[p.pos : p.pos+n*2], n
}

func (p *sliceProvider) ReleaseBuffer(frames int) {
	p.pos += frames * 2
}

func constStereo(frames int, l, r int16) []int16 {
	out := make([]int16, frames*2)
	for i := 0; i < frames; i++ {
		out[2*i] = l
		out[2*i+1] = r
	}
	return out
}

func TestResampleUnityRatePassesThrough(t *testing.T) {
	r := resample.New(48000, 2)
	r.SetSampleRate(48000)
	r.SetProvider(&sliceProvider{samples: constStereo(64, 1000, -2000)})

	out := make([]int32, 32*2)
	r.Resample(out, 32)

	// Skip the first frame, which interpolates against the zero
	// carry-over sample.
	for i := 1; i < 32; i++ {
		assert.Equal(t, int32(1000), out[2*i], "frame %d left", i)
		assert.Equal(t, int32(-2000), out[2*i+1], "frame %d right", i)
	}
}

func TestResampleAccumulates(t *testing.T) {
	r := resample.New(48000, 2)
	r.SetProvider(&sliceProvider{samples: constStereo(64, 100, 100)})

	out := make([]int32, 16*2)
	for i := range out {
		out[i] = 5
	}
	r.Resample(out, 16)
	assert.Equal(t, int32(105), out[2*1])
}

func TestResampleAppliesVolume(t *testing.T) {
	r := resample.New(48000, 2)
	r.SetProvider(&sliceProvider{samples: constStereo(64, 1000, 1000)})
	r.SetVolume(pcm.GainFromFloat(0.5), pcm.GainFromFloat(0.25))

	out := make([]int32, 8*2)
	r.Resample(out, 8)

	assert.Equal(t, int32(500), out[2*4])
	assert.Equal(t, int32(250), out[2*4+1])
}

func TestResampleUpconversionProducesAllFrames(t *testing.T) {
	r := resample.New(48000, 2)
	r.SetSampleRate(24000)
	r.SetProvider(&sliceProvider{samples: constStereo(128, 400, 400), chunk: 7})

	out := make([]int32, 96*2)
	r.Resample(out, 96)

	// After the interpolation ramp settles every frame carries signal.
	for i := 2; i < 96; i++ {
		assert.Equal(t, int32(400), out[2*i], "frame %d", i)
	}
}

func TestResampleShortPullLeavesSilence(t *testing.T) {
	r := resample.New(48000, 2)
	r.SetProvider(&sliceProvider{samples: constStereo(4, 300, 300)})

	out := make([]int32, 16*2)
	r.Resample(out, 16)

	assert.Equal(t, int32(300), out[2*1])
	for i := 5; i < 16; i++ {
		assert.Zero(t, out[2*i], "frame %d should stay silent", i)
	}
}

func TestSetSampleRateClampsToDouble(t *testing.T) {
	r := resample.New(48000, 2)
	r.SetSampleRate(500000)
	r.SetProvider(&sliceProvider{samples: constStereo(512, 100, 100)})

	// At the clamped 2:1 ratio, 8 output frames consume about 16
	// input frames, not 80+.
	p := &sliceProvider{samples: constStereo(512, 100, 100)}
	r.SetProvider(p)
	out := make([]int32, 8*2)
	r.Resample(out, 8)
	assert.LessOrEqual(t, p.pos/2, 20)
}

func TestResetClearsState(t *testing.T) {
	r := resample.New(48000, 2)
	p := &sliceProvider{samples: constStereo(64, 1000, 1000)}
	r.SetProvider(p)

	out := make([]int32, 8*2)
	r.Resample(out, 8)
	r.Reset()

	// After reset the first frame interpolates from zero again.
	p2 := &sliceProvider{samples: constStereo(64, 1000, 1000)}
	r.SetProvider(p2)
	out2 := make([]int32, 8*2)
	r.Resample(out2, 8)
	require.Equal(t, int32(1000), out2[2*2])
}

func TestInterpolationRampsBetweenSamples(t *testing.T) {
	// 24k -> 48k: every other output frame sits halfway between
	// neighboring input samples.
	r := resample.New(48000, 2)
	r.SetSampleRate(24000)

	samples := []int16{0, 0, 1000, 1000, 2000, 2000, 3000, 3000}
	r.SetProvider(&sliceProvider{samples: samples})

	out := make([]int32, 6*2)
	r.Resample(out, 6)

	assert.Equal(t, int32(500), out[2*3])
	assert.Equal(t, int32(1000), out[2*4])
	assert.Equal(t, int32(1500), out[2*5])
}
