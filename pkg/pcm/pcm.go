// Package pcm provides primitives for 16-bit linear PCM manipulation:
// fixed-point gain, saturation, channel adaptation and byte codecs.
package pcm

import "encoding/binary"

// Format identifies the sample encoding of a stream.
type Format int

const (
	// FormatInvalid is the zero value.
	FormatInvalid Format = iota
	// FormatPCM16 is native-endian signed 16-bit linear PCM.
	FormatPCM16
	// FormatPCM8 is unsigned 8-bit PCM. Clients up-convert to 16-bit
	// before writing, so frame sizes are computed as if 16-bit.
	FormatPCM8
)

// String returns the format name for logs.
func (f Format) String() string {
	switch f {
	case FormatPCM16:
		return "pcm16"
	case FormatPCM8:
		return "pcm8"
	default:
		return "invalid"
	}
}

// Gain is a Q4.12 fixed-point gain value. Unity is 0x1000.
type Gain uint16

const (
	// GainUnity is 1.0 in Q4.12.
	GainUnity Gain = 0x1000
	// GainMax is the largest effective gain in Q4.12 units, applied as
	// the float clamp on volume products. It equals GainUnity, so the
	// effective gain never exceeds 1.0.
	GainMax float32 = 4096.0
)

// Float returns the gain as a linear float factor.
func (g Gain) Float() float32 {
	return float32(g) / float32(GainUnity)
}

// GainFromFloat converts a linear factor to Q4.12, clamping to [0, GainMax].
func GainFromFloat(f float32) Gain {
	if f < 0 {
		f = 0
	}
	v := f * float32(GainUnity)
	if v > GainMax {
		v = GainMax
	}
	return Gain(v)
}

// ClampFloatGain clamps a linear volume product to [0, GainMax/GainUnity].
func ClampFloatGain(f float32) float32 {
	max := GainMax / float32(GainUnity)
	if f < 0 {
		return 0
	}
	if f > max {
		return max
	}
	return f
}

// Saturate clamps a 32-bit accumulator sample to the int16 range.
func Saturate(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// ApplyGain scales samples in place by a Q4.12 gain with saturation.
func ApplyGain(samples []int16, g Gain) {
	if g == GainUnity {
		return
	}
	for i, s := range samples {
		samples[i] = Saturate(int32(s) * int32(g) >> 12)
	}
}

// FrameSize returns the byte size of one frame. 8-bit PCM is sized as
// 16-bit because clients up-convert before writing.
func FrameSize(format Format, channels int) int {
	return channels * 2
}

// MonoToStereo duplicates each mono sample into both output channels.
// The output slice must hold 2*len(in) samples.
func MonoToStereo(in, out []int16) {
	for i, s := range in {
		out[2*i] = s
		out[2*i+1] = s
	}
}

// StereoToMono reduces interleaved stereo to mono by averaging pairs.
// The output slice must hold len(in)/2 samples.
func StereoToMono(in, out []int16) {
	n := len(in) / 2
	for i := 0; i < n; i++ {
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) >> 1)
	}
}

// BytesToInt16 decodes little-endian PCM bytes into samples.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Int16ToBytes encodes samples as little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Fill writes the same value over every sample.
func Fill(samples []int16, v int16) {
	for i := range samples {
		samples[i] = v
	}
}
