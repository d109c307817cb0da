// Package resample implements a linear-interpolation sample rate converter
// for interleaved 16-bit PCM. It keeps fractional position state across
// calls so that successive blocks join without discontinuities.
package resample

import "github.com/aurelia-audio/aurelia/pkg/pcm"

// Provider is the pull interface a resampler reads from. The requested
// count is a maximum; the provider may return fewer frames. A nil buffer
// or zero count means no data is available and the caller substitutes
// silence.
type Provider interface {
	GetNextBuffer(frames int) ([]int16, int)
	ReleaseBuffer(frames int)
}

// Resampler converts an input stream at a variable source rate into a
// fixed output rate, accumulating into an int32 mix bus. It always
// operates on interleaved stereo internally; mono providers must be
// adapted before the resampler sees them.
type Resampler struct {
	outRate  int
	inRate   int
	channels int

	volumeL pcm.Gain
	volumeR pcm.Gain

	// fractional read position, 32.32 style fixed point over frames
	position uint64
	step     uint64

	// carry-over of the last input frame for interpolation continuity
	lastL int16
	lastR int16

	buf      []int16
	bufFill  int
	provider Provider
}

const fracBits = 32

// New creates a resampler producing interleaved stereo at outRate.
func New(outRate, channels int) *Resampler {
	r := &Resampler{
		outRate:  outRate,
		channels: channels,
		volumeL:  pcm.GainUnity,
		volumeR:  pcm.GainUnity,
	}
	r.SetSampleRate(outRate)
	return r
}

// SetSampleRate changes the source rate. Rates above twice the output
// rate are clamped to that limit.
func (r *Resampler) SetSampleRate(inRate int) {
	if inRate > 2*r.outRate {
		inRate = 2 * r.outRate
	}
	if inRate <= 0 {
		inRate = r.outRate
	}
	r.inRate = inRate
	r.step = (uint64(inRate) << fracBits) / uint64(r.outRate)
}

// SetVolume sets the per-channel gains applied while accumulating.
func (r *Resampler) SetVolume(left, right pcm.Gain) {
	r.volumeL = left
	r.volumeR = right
}

// SetProvider binds the pull source.
func (r *Resampler) SetProvider(p Provider) {
	r.provider = p
}

// Reset discards interpolation state and any buffered input.
func (r *Resampler) Reset() {
	r.position = 0
	r.lastL = 0
	r.lastR = 0
	r.bufFill = 0
}

// Resample pulls enough input to produce frames output frames, adding
// the scaled result into out (interleaved stereo int32, len 2*frames).
// Short pulls leave the tail of out untouched so silence accumulates as
// zero contribution.
func (r *Resampler) Resample(out []int32, frames int) {
	needed := r.inputFramesFor(frames)
	r.fill(needed)

	avail := r.bufFill
	pos := r.position
	produced := 0

	lastL, lastR := r.lastL, r.lastR
	for produced < frames {
		idx := int(pos >> fracBits)
		if idx >= avail {
			break
		}
		frac := int64(pos & (1<<fracBits - 1))

		var s0L, s0R, s1L, s1R int16
		if idx == 0 {
			s0L, s0R = lastL, lastR
		} else {
			s0L = r.buf[(idx-1)*2]
			s0R = r.buf[(idx-1)*2+1]
		}
		s1L = r.buf[idx*2]
		s1R = r.buf[idx*2+1]

		l := interpolate(s0L, s1L, frac)
		rr := interpolate(s0R, s1R, frac)

		out[produced*2] += int32(l) * int32(r.volumeL) >> 12
		out[produced*2+1] += int32(rr) * int32(r.volumeR) >> 12

		pos += r.step
		produced++
	}

	consumed := int(pos >> fracBits)
	if consumed > avail {
		consumed = avail
	}
	if consumed > 0 {
		r.lastL = r.buf[(consumed-1)*2]
		r.lastR = r.buf[(consumed-1)*2+1]
		copy(r.buf, r.buf[consumed*2:r.bufFill*2])
		r.bufFill -= consumed
	}
	r.position = pos - uint64(consumed)<<fracBits
}

// inputFramesFor returns how many source frames are required to emit
// the requested number of output frames from the current position.
func (r *Resampler) inputFramesFor(outFrames int) int {
	end := r.position + uint64(outFrames)*r.step
	return int(end>>fracBits) + 1
}

func (r *Resampler) fill(frames int) {
	if cap(r.buf) < frames*2 {
		grown := make([]int16, frames*2)
		copy(grown, r.buf[:r.bufFill*2])
		r.buf = grown
	}
	r.buf = r.buf[:cap(r.buf)]

	for r.bufFill < frames {
		want := frames - r.bufFill
		data, got := r.provider.GetNextBuffer(want)
		if got == 0 || data == nil {
			break
		}
		copy(r.buf[r.bufFill*2:], data[:got*2])
		r.provider.ReleaseBuffer(got)
		r.bufFill += got
	}
}

func interpolate(s0, s1 int16, frac int64) int16 {
	d := int64(s1) - int64(s0)
	return int16(int64(s0) + (d*frac)>>fracBits)
}
