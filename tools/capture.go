package tools

import (
	"errors"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/voxbridge/realtime/shared"
	"go.uber.org/zap"
)

// InputDevice delivers interleaved PCM16 from a microphone-like source.
// The data callback runs on the device's real-time thread: it must not
// perform network I/O, unbounded allocation, or blocking waits. A
// synthetic implementation stands in for the microphone in tests.
type InputDevice interface {
	Start(onData func(samples []int16)) error
	Stop() error
}

// MalgoInput owns one miniaudio capture device for its lifetime.
type MalgoInput struct {
	format  Format
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	scratch []int16
}

var _ InputDevice = (*MalgoInput)(nil)

// NewMalgoInput initialises the audio backend for the default capture
// device at the requested format.
func NewMalgoInput(format Format) (*MalgoInput, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, shared.NewDeviceError(shared.DeviceErrorNoDevice, err)
	}
	return &MalgoInput{format: format, ctx: ctx}, nil
}

func (m *MalgoInput) Start(onData func(samples []int16)) error {
	if m.ctx == nil {
		return shared.NewDeviceError(shared.DeviceErrorNoDevice, errors.New("capture context already released"))
	}
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.format.Channels)
	deviceConfig.SampleRate = uint32(m.format.Rate)
	deviceConfig.Alsa.NoMMap = 1

	onRecvFrames := func(_, pSample []byte, framecount uint32) {
		if framecount == 0 {
			return
		}
		n := int(framecount) * m.format.Channels
		m.scratch = BytesToSamples(pSample[:n*2], m.scratch)
		onData(m.scratch)
	}
	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return shared.NewDeviceError(shared.DeviceErrorFormatUnsupported, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return shared.NewDeviceError(shared.DeviceErrorStreamStartFailed, err)
	}
	m.device = device
	return nil
}

// Stop releases the device and the backend context. Safe to call on
// every exit path; subsequent calls are no-ops.
func (m *MalgoInput) Stop() error {
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		err := m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
		if err != nil {
			return shared.NewDeviceError(shared.DeviceErrorNoDevice, err)
		}
	}
	return nil
}

// Capture pumps microphone audio into the uplink ring. The device
// callback is the single producer: it chunks incoming samples into
// fixed-duration frames, resamples them to the wire format, and pushes
// them. Overflow drops are counted by the ring and logged, not retried.
type Capture struct {
	logger       shared.LoggerAdapter
	dev          InputDevice
	rs           *Resampler
	deviceFormat Format
	wireFormat   Format
	ring         *Ring

	frameSamples int
	pending      []int16

	mu      sync.Mutex
	running bool
}

// NewCapture validates both formats up front so a FormatError surfaces
// before any device is touched.
func NewCapture(
	logger shared.LoggerAdapter,
	dev InputDevice,
	deviceFormat, wireFormat Format,
	frameDuration time.Duration,
	ring *Ring,
) (*Capture, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := deviceFormat.Validate(); err != nil {
		return nil, err
	}
	if err := wireFormat.Validate(); err != nil {
		return nil, err
	}
	frameSamples := FrameSamples(frameDuration, deviceFormat.Rate, deviceFormat.Channels)
	if frameSamples <= 0 {
		return nil, &shared.FormatError{
			Rate:     deviceFormat.Rate,
			Channels: deviceFormat.Channels,
			Reason:   "frame duration yields no samples",
		}
	}
	return &Capture{
		logger:       logger,
		dev:          dev,
		rs:           NewResampler(),
		deviceFormat: deviceFormat,
		wireFormat:   wireFormat,
		ring:         ring,
		frameSamples: frameSamples,
		pending:      make([]int16, 0, frameSamples*2),
	}, nil
}

func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if err := c.dev.Start(c.onData); err != nil {
		return err
	}
	c.running = true
	return nil
}

func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	return c.dev.Stop()
}

func (c *Capture) onData(samples []int16) {
	c.pending = append(c.pending, samples...)
	for len(c.pending) >= c.frameSamples {
		chunk := c.pending[:c.frameSamples]
		converted, err := c.rs.Convert(Frame{Format: c.deviceFormat, Samples: chunk}, c.wireFormat)
		if err != nil {
			c.logger.Error("converting captured frame", err)
			c.pending = c.pending[:0]
			return
		}
		dropped, err := c.ring.Push(c.wireFormat, converted.Samples)
		if err != nil {
			c.logger.Error("pushing captured frame", err)
		} else if dropped > 0 {
			c.logger.Warn("uplink ring overflow", zap.Int("droppedFrames", dropped))
		}
		c.pending = append(c.pending[:0], c.pending[c.frameSamples:]...)
	}
}
