package tools

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/voxbridge/realtime/shared"
)

// Format describes the layout of a PCM16 stream.
type Format struct {
	Rate     int
	Channels int
}

func (f Format) Validate() error {
	if f.Rate <= 0 {
		return &shared.FormatError{Rate: f.Rate, Channels: f.Channels, Reason: "sample rate must be positive"}
	}
	if f.Channels <= 0 {
		return &shared.FormatError{Rate: f.Rate, Channels: f.Channels, Reason: "channel count must be positive"}
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.Rate, f.Channels)
}

// Frame is an ordered chunk of interleaved signed 16-bit samples. Seq is
// assigned by the ring buffer the frame is pushed into and is strictly
// increasing as observed by that ring's consumer.
type Frame struct {
	Seq     uint64
	Format  Format
	Samples []int16
}

// Duration reports the playback time the frame covers.
func (f Frame) Duration() time.Duration {
	if f.Format.Rate <= 0 || f.Format.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Format.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.Format.Rate)
}

// FrameSamples reports how many interleaved samples cover the given
// duration at the given rate and channel count.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// SamplesToBytes writes samples into dst as little-endian PCM16,
// growing dst as needed, and returns the filled slice.
func SamplesToBytes(samples []int16, dst []byte) []byte {
	need := len(samples) * 2
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// BytesToSamples decodes little-endian PCM16 bytes into dst, growing it
// as needed. A trailing odd byte is ignored.
func BytesToSamples(data []byte, dst []int16) []int16 {
	n := len(data) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return dst
}

// EncodePCM16 renders samples as the base64 little-endian PCM16 payload
// the wire protocol carries in input_audio_buffer.append events.
func EncodePCM16(samples []int16) string {
	return base64.StdEncoding.EncodeToString(SamplesToBytes(samples, nil))
}

// DecodePCM16 parses a base64 PCM16 payload from a response audio delta.
func DecodePCM16(payload string) ([]int16, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 audio payload: %w", err)
	}
	return BytesToSamples(data, nil), nil
}
