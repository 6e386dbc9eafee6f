package realtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxbridge/realtime/tools"
)

func TestLoadSessionConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadSessionConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionConfig(), cfg)
}

func TestLoadSessionConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: gpt-realtime
voice: ash
max_output_tokens: 1024
audio:
  capture_rate: 44100
  frame_ms: 40
  buffer_ms: 400
reconnect:
  max_attempts: 3
`), 0o644))

	cfg, err := LoadSessionConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-realtime", cfg.Model)
	assert.Equal(t, "ash", cfg.Voice)
	assert.Equal(t, int64(1024), cfg.MaxOutputTokens)
	assert.Equal(t, 44100, cfg.Audio.CaptureRate)
	assert.Equal(t, 40*time.Millisecond, cfg.FrameDuration())
	assert.Equal(t, 3, cfg.ReconnectPolicy().MaxAttempts)
	// Unset fields keep their defaults.
	assert.Equal(t, 1, cfg.Audio.CaptureChannels)
	assert.Equal(t, 48000, cfg.Audio.PlaybackRate)
	assert.Equal(t, VADModeServer, cfg.VADMode)
}

func TestLoadSessionConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o644))
	_, err := LoadSessionConfig(path)
	assert.Error(t, err)
}

func TestSessionConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
		valid  bool
	}{
		{name: "defaults", mutate: func(*SessionConfig) {}, valid: true},
		{name: "missing model", mutate: func(c *SessionConfig) { c.Model = "" }, valid: false},
		{name: "push to talk reserved", mutate: func(c *SessionConfig) { c.VADMode = VADModePushToTalk }, valid: false},
		{name: "unknown vad mode", mutate: func(c *SessionConfig) { c.VADMode = "semantic" }, valid: false},
		{name: "zero capture rate", mutate: func(c *SessionConfig) { c.Audio.CaptureRate = 0 }, valid: false},
		{name: "buffer smaller than frame", mutate: func(c *SessionConfig) { c.Audio.BufferMs = 10 }, valid: false},
		{name: "zero frame", mutate: func(c *SessionConfig) { c.Audio.FrameMs = 0 }, valid: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSessionConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSessionConfigFormats(t *testing.T) {
	cfg := DefaultSessionConfig()
	assert.Equal(t, tools.Format{Rate: 24000, Channels: 1}, cfg.WireFormat())
	assert.Equal(t, tools.Format{Rate: 48000, Channels: 1}, cfg.CaptureFormat())
	assert.Equal(t, tools.Format{Rate: 48000, Channels: 1}, cfg.PlaybackFormat())
	assert.Equal(t, 20*time.Millisecond, cfg.FrameDuration())
	assert.Equal(t, 10, cfg.RingFrames())
}

func TestRealtimeParam(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Instructions = "be brief"
	param := cfg.RealtimeParam()
	require.NotNil(t, param)
	assert.Equal(t, cfg.Model, param.Model)
	assert.Equal(t, "be brief", param.Instructions.Value)
	assert.NotNil(t, param.Audio.Input.Format.OfAudioPCM)
	assert.EqualValues(t, 24000, param.Audio.Input.Format.OfAudioPCM.Rate)
	assert.NotNil(t, param.Audio.Input.TurnDetection.OfServerVad)
	assert.True(t, param.Audio.Input.TurnDetection.OfServerVad.CreateResponse.Value)
	assert.EqualValues(t, 4096, param.MaxOutputTokens.OfInt.Value)
}
