package tools

import (
	"math"

	"github.com/voxbridge/realtime/shared"
)

// Resampler converts frames between the device format and the wire
// format: linear interpolation for arbitrary rate ratios plus
// mono/stereo up- and down-mixing. It is a pure transform cheap enough
// to run inside a device callback; both stages reuse pre-allocated
// scratch buffers, so the returned frame's samples are only valid until
// the next Convert call.
type Resampler struct {
	mixScratch []int16
	outScratch []int16
}

func NewResampler() *Resampler {
	return &Resampler{}
}

// Convert transforms frame into the target format. The sequence number
// is carried over unchanged.
func (rs *Resampler) Convert(frame Frame, target Format) (Frame, error) {
	if err := frame.Format.Validate(); err != nil {
		return Frame{}, err
	}
	if err := target.Validate(); err != nil {
		return Frame{}, err
	}
	if frame.Format == target {
		return frame, nil
	}

	samples := frame.Samples
	channels := frame.Format.Channels
	if channels != target.Channels {
		var err error
		samples, err = rs.remix(samples, channels, target.Channels)
		if err != nil {
			return Frame{}, err
		}
		channels = target.Channels
	}
	if frame.Format.Rate != target.Rate {
		samples = rs.interpolate(samples, channels, frame.Format.Rate, target.Rate)
	}
	return Frame{Seq: frame.Seq, Format: target, Samples: samples}, nil
}

// remix converts the interleaved channel layout: averaging down to mono,
// duplicating mono up to multiple channels.
func (rs *Resampler) remix(samples []int16, from, to int) ([]int16, error) {
	switch {
	case to == 1:
		frames := len(samples) / from
		rs.mixScratch = grow(rs.mixScratch, frames)
		for i := range frames {
			sum := 0
			for ch := range from {
				sum += int(samples[i*from+ch])
			}
			rs.mixScratch[i] = int16(sum / from)
		}
		return rs.mixScratch, nil
	case from == 1:
		rs.mixScratch = grow(rs.mixScratch, len(samples)*to)
		for i, s := range samples {
			for ch := range to {
				rs.mixScratch[i*to+ch] = s
			}
		}
		return rs.mixScratch, nil
	default:
		return nil, &shared.FormatError{
			Rate:     0,
			Channels: to,
			Reason:   "only mono/stereo channel conversion is supported",
		}
	}
}

// interpolate performs per-channel linear interpolation between
// neighbouring input samples. Output length is chosen so the duration
// stays within one frame period of the input.
func (rs *Resampler) interpolate(samples []int16, channels, fromRate, toRate int) []int16 {
	inFrames := len(samples) / channels
	if inFrames == 0 {
		return samples[:0]
	}
	ratio := float64(toRate) / float64(fromRate)
	outFrames := int(math.Round(float64(inFrames) * ratio))
	rs.outScratch = grow(rs.outScratch, outFrames*channels)
	for i := range outFrames {
		pos := float64(i) / ratio
		i0 := int(pos)
		if i0 >= inFrames-1 {
			copy(rs.outScratch[i*channels:], samples[(inFrames-1)*channels:inFrames*channels])
			continue
		}
		t := pos - float64(i0)
		for ch := range channels {
			s0 := float64(samples[i0*channels+ch])
			s1 := float64(samples[(i0+1)*channels+ch])
			rs.outScratch[i*channels+ch] = int16(s0*(1-t) + s1*t)
		}
	}
	return rs.outScratch[:outFrames*channels]
}

func grow(buf []int16, n int) []int16 {
	if cap(buf) < n {
		return make([]int16, n)
	}
	return buf[:n]
}
