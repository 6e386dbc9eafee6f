package realtime

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/voxbridge/realtime/tools"
)

// The wire format is fixed by the protocol: PCM16 mono at 24kHz in both
// directions. Device formats are whatever the hardware prefers; the
// resampler bridges the two.
const (
	ServerSampleRate = 24000
	ServerChannels   = 1
)

// AudioSettings describe the device-side formats and buffer sizing.
type AudioSettings struct {
	CaptureRate      int `yaml:"capture_rate"`
	CaptureChannels  int `yaml:"capture_channels"`
	PlaybackRate     int `yaml:"playback_rate"`
	PlaybackChannels int `yaml:"playback_channels"`

	// FrameMs is the uplink frame cadence; BufferMs sizes each ring.
	FrameMs  int `yaml:"frame_ms"`
	BufferMs int `yaml:"buffer_ms"`
}

// ReconnectSettings mirror ReconnectPolicy in file-friendly units.
type ReconnectSettings struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// SessionConfig is the resolved session configuration the core
// consumes. Loading it from a file and reading the credential from the
// environment happen outside the session pipeline.
type SessionConfig struct {
	Model        string  `yaml:"model"`
	Voice        string  `yaml:"voice"`
	Instructions string  `yaml:"instructions"`
	VADMode      VADMode `yaml:"vad_mode"`

	// Greeting, when set, is sent as a response.create instruction once
	// the session is created, so the assistant speaks first.
	Greeting string `yaml:"greeting"`

	MaxOutputTokens int64 `yaml:"max_output_tokens"`

	Audio     AudioSettings     `yaml:"audio"`
	Reconnect ReconnectSettings `yaml:"reconnect"`
}

func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Model:           defaultModel,
		Voice:           "alloy",
		VADMode:         VADModeServer,
		MaxOutputTokens: 4096,
		Audio: AudioSettings{
			CaptureRate:      48000,
			CaptureChannels:  1,
			PlaybackRate:     48000,
			PlaybackChannels: 1,
			FrameMs:          20,
			BufferMs:         200,
		},
		Reconnect: ReconnectSettings{
			MaxAttempts:      5,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     30000,
		},
	}
}

// LoadSessionConfig reads a YAML session config, filling every omitted
// field from the defaults. A missing file yields the defaults.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	cfg := DefaultSessionConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *SessionConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	switch c.VADMode {
	case VADModeServer:
	case VADModePushToTalk:
		return fmt.Errorf("vad_mode %q is reserved and not yet implemented", c.VADMode)
	default:
		return fmt.Errorf("unknown vad_mode %q", c.VADMode)
	}
	if err := c.CaptureFormat().Validate(); err != nil {
		return fmt.Errorf("capture format: %w", err)
	}
	if err := c.PlaybackFormat().Validate(); err != nil {
		return fmt.Errorf("playback format: %w", err)
	}
	if c.Audio.FrameMs <= 0 || c.Audio.BufferMs < c.Audio.FrameMs {
		return fmt.Errorf("buffer_ms (%d) must cover at least one frame_ms (%d)", c.Audio.BufferMs, c.Audio.FrameMs)
	}
	return nil
}

func (c *SessionConfig) WireFormat() tools.Format {
	return tools.Format{Rate: ServerSampleRate, Channels: ServerChannels}
}

func (c *SessionConfig) CaptureFormat() tools.Format {
	return tools.Format{Rate: c.Audio.CaptureRate, Channels: c.Audio.CaptureChannels}
}

func (c *SessionConfig) PlaybackFormat() tools.Format {
	return tools.Format{Rate: c.Audio.PlaybackRate, Channels: c.Audio.PlaybackChannels}
}

func (c *SessionConfig) FrameDuration() time.Duration {
	return time.Duration(c.Audio.FrameMs) * time.Millisecond
}

// RingFrames reports how many frames of the configured cadence each
// ring holds.
func (c *SessionConfig) RingFrames() int {
	return c.Audio.BufferMs / c.Audio.FrameMs
}

func (c *SessionConfig) ReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    c.Reconnect.MaxAttempts,
		InitialBackoff: time.Duration(c.Reconnect.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Reconnect.MaxBackoffMs) * time.Millisecond,
	}
}

// RealtimeParam renders the config as the session.update payload.
func (c *SessionConfig) RealtimeParam() *realtime.RealtimeSessionCreateRequestParam {
	pcm := realtime.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
			Rate: ServerSampleRate,
			Type: "audio/pcm",
		},
	}
	session := &realtime.RealtimeSessionCreateRequestParam{
		Model: c.Model,
		Audio: realtime.RealtimeAudioConfigParam{
			Input: realtime.RealtimeAudioConfigInputParam{
				Format: pcm,
				TurnDetection: realtime.RealtimeAudioInputTurnDetectionUnionParam{
					OfServerVad: &realtime.RealtimeAudioInputTurnDetectionServerVadParam{
						CreateResponse:    param.NewOpt(true),
						InterruptResponse: param.NewOpt(true),
					},
				},
			},
			Output: realtime.RealtimeAudioConfigOutputParam{
				Format: pcm,
				Voice:  realtime.RealtimeAudioConfigOutputVoice(c.Voice),
			},
		},
	}
	if c.Instructions != "" {
		session.Instructions = param.NewOpt(c.Instructions)
	}
	if c.MaxOutputTokens > 0 {
		session.MaxOutputTokens = realtime.RealtimeSessionCreateRequestMaxOutputTokensUnionParam{
			OfInt: param.NewOpt(c.MaxOutputTokens),
		}
	}
	return session
}
