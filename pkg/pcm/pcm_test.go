package pcm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aurelia-audio/aurelia/pkg/pcm"
)

func TestFormatString(t *testing.T) {
	assert.Equal(t, "pcm16", pcm.FormatPCM16.String())
	assert.Equal(t, "pcm8", pcm.FormatPCM8.String())
	assert.Equal(t, "invalid", pcm.FormatInvalid.String())
}

func TestGainConversion(t *testing.T) {
	assert.Equal(t, float32(1.0), pcm.Gain(pcm.GainUnity).Float())
	assert.Equal(t, pcm.GainUnity, pcm.GainFromFloat(1.0))
	assert.Equal(t, pcm.Gain(0), pcm.GainFromFloat(-0.5))
	assert.Equal(t, pcm.Gain(pcm.GainMax), pcm.GainFromFloat(100.0))
	assert.InDelta(t, 0.5, pcm.GainFromFloat(0.5).Float(), 0.001)
}

func TestClampFloatGain(t *testing.T) {
	assert.Equal(t, float32(0), pcm.ClampFloatGain(-1))
	assert.Equal(t, float32(0.7), pcm.ClampFloatGain(0.7))
	assert.Equal(t, float32(1), pcm.ClampFloatGain(1))
	assert.Equal(t, float32(1), pcm.ClampFloatGain(1.5))
}

func TestSaturate(t *testing.T) {
	assert.Equal(t, int16(32767), pcm.Saturate(40000))
	assert.Equal(t, int16(-32768), pcm.Saturate(-40000))
	assert.Equal(t, int16(1234), pcm.Saturate(1234))
}

func TestApplyGain(t *testing.T) {
	samples := []int16{1000, -1000, 32767}
	pcm.ApplyGain(samples, pcm.GainFromFloat(0.5))
	assert.Equal(t, []int16{500, -500, 16383}, samples)

	// Unity must leave samples untouched.
	samples = []int16{123, -456}
	pcm.ApplyGain(samples, pcm.GainUnity)
	assert.Equal(t, []int16{123, -456}, samples)

	// Gain above unity (2.0 in Q4.12) saturates.
	samples = []int16{30000}
	pcm.ApplyGain(samples, pcm.Gain(0x2000))
	assert.Equal(t, []int16{32767}, samples)
}

func TestFrameSize(t *testing.T) {
	assert.Equal(t, 2, pcm.FrameSize(pcm.FormatPCM16, 1))
	assert.Equal(t, 4, pcm.FrameSize(pcm.FormatPCM16, 2))
	assert.Equal(t, 4, pcm.FrameSize(pcm.FormatPCM8, 2))
}

func TestChannelAdaptation(t *testing.T) {
	in := []int16{10, -20}
	out := make([]int16, 4)
	pcm.MonoToStereo(in, out)
	assert.Equal(t, []int16{10, 10, -20, -20}, out)

	stereo := []int16{100, 200, -100, -300}
	mono := make([]int16, 2)
	pcm.StereoToMono(stereo, mono)
	assert.Equal(t, []int16{150, -200}, mono)
}

func TestByteCodecRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	data := pcm.Int16ToBytes(samples)
	assert.Len(t, data, 10)
	assert.Equal(t, samples, pcm.BytesToInt16(data))
}

func TestFill(t *testing.T) {
	samples := make([]int16, 4)
	pcm.Fill(samples, 7)
	assert.Equal(t, []int16{7, 7, 7, 7}, samples)
}
