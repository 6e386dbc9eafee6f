package tools

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxbridge/realtime/shared"
)

type fakeOutput struct {
	src     io.Reader
	stopped bool
}

func (f *fakeOutput) Play(src io.Reader) error {
	f.src = src
	return nil
}

func (f *fakeOutput) Stop() error {
	f.stopped = true
	return nil
}

func TestPlaybackServesRingToDevice(t *testing.T) {
	dev := &fakeOutput{}
	ring := NewRing(4, DropOldest)
	playback, err := NewPlayback(shared.NewNopLogger(), dev, ring)
	require.NoError(t, err)

	require.NoError(t, playback.Start())
	require.NotNil(t, dev.src)
	assert.ErrorIs(t, playback.Start(), shared.ErrSessionAlreadyRunning)

	_, err = ring.Push(Format{Rate: 24000, Channels: 1}, []int16{0x0102})
	require.NoError(t, err)

	// The device pulls straight from the ring.
	buf := make([]byte, 2)
	n, err := dev.src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0x02, 0x01}, buf)

	require.NoError(t, playback.Stop())
	assert.True(t, dev.stopped)
	assert.NoError(t, playback.Stop())
}

func TestNewPlaybackValidation(t *testing.T) {
	ring := NewRing(4, DropOldest)
	_, err := NewPlayback(nil, &fakeOutput{}, ring)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewPlayback(shared.NewNopLogger(), nil, ring)
	assert.Error(t, err)
	_, err = NewPlayback(shared.NewNopLogger(), &fakeOutput{}, nil)
	assert.Error(t, err)
}
