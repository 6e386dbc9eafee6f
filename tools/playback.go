package tools

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/voxbridge/realtime/shared"
)

// OutputDevice drives a speaker-like sink by pulling PCM16 from a
// reader. The pull happens on the device's own cadence; the reader must
// never block, which the downlink ring guarantees by substituting
// silence when starved.
type OutputDevice interface {
	Play(src io.Reader) error
	Stop() error
}

// OtoOutput owns one playback stream on the default output device.
// The underlying oto context is process-wide, so only one OtoOutput
// should exist per process.
type OtoOutput struct {
	format Format
	buffer time.Duration
	ctx    *oto.Context
	ready  chan struct{}
	player *oto.Player
}

var _ OutputDevice = (*OtoOutput)(nil)

func NewOtoOutput(format Format, buffer time.Duration) (*OtoOutput, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.Rate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, shared.NewDeviceError(shared.DeviceErrorNoDevice, err)
	}
	return &OtoOutput{format: format, buffer: buffer, ctx: ctx, ready: ready}, nil
}

func (o *OtoOutput) Play(src io.Reader) error {
	if o.ctx == nil {
		return shared.NewDeviceError(shared.DeviceErrorNoDevice, errors.New("playback context already released"))
	}
	if o.player != nil {
		return shared.ErrSessionAlreadyRunning
	}
	<-o.ready
	o.player = o.ctx.NewPlayer(src)
	o.player.Play()
	if !o.player.IsPlaying() {
		err := o.player.Close()
		o.player = nil
		return shared.NewDeviceError(shared.DeviceErrorStreamStartFailed, err)
	}
	return nil
}

func (o *OtoOutput) Stop() error {
	if o.player == nil {
		return nil
	}
	err := o.player.Close()
	o.player = nil
	if err != nil {
		return shared.NewDeviceError(shared.DeviceErrorStreamStartFailed, err)
	}
	return nil
}

// Playback wires the downlink ring to an output device for the session
// lifetime. All frame consumption happens in the device's pull path
// (Ring.Read); Playback itself only manages the device handle.
type Playback struct {
	logger shared.LoggerAdapter
	dev    OutputDevice
	ring   *Ring

	mu      sync.Mutex
	running bool
}

func NewPlayback(logger shared.LoggerAdapter, dev OutputDevice, ring *Ring) (*Playback, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dev == nil || ring == nil {
		return nil, errors.New("output device and ring are required")
	}
	return &Playback{logger: logger, dev: dev, ring: ring}, nil
}

func (p *Playback) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return shared.ErrSessionAlreadyRunning
	}
	if err := p.dev.Play(p.ring); err != nil {
		return err
	}
	p.running = true
	return nil
}

func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	return p.dev.Stop()
}
