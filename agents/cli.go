package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
	pkg "github.com/voxbridge/realtime"
	"github.com/voxbridge/realtime/shared"
)

// DisplayMode selects what the agent renders from the session's event
// stream.
type DisplayMode string

const (
	// DisplayModeConsole shows every event as it flows, collapsing runs
	// of identical events into a single line with a repeat counter.
	DisplayModeConsole DisplayMode = "console"
	// DisplayModeTranscript shows only the assistant's spoken text,
	// streamed as it arrives, with markers for the user's turns.
	DisplayModeTranscript DisplayMode = "transcript"
)

type CLIAgent struct {
	logger       shared.LoggerAdapter
	printer      *shared.Printer
	client       *pkg.Client
	orchestrator *pkg.Orchestrator
	mode         DisplayMode
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	apiKey string,
	cfg *pkg.SessionConfig,
	printer *shared.Printer,
	mode DisplayMode,
	baseUrl ...string,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if mode != DisplayModeConsole && mode != DisplayModeTranscript {
		return nil, fmt.Errorf("unknown display mode %q", mode)
	}
	a.logger = logger
	a.printer = printer
	a.mode = mode
	a.logger.Info("spawning CLI agent")
	if err := a.printer.Writeln("🤖 Spawning CLI agent...\n", 0); err != nil {
		a.logger.Error("printing spawning message", err)
	}

	// Creating client
	var err error
	if len(baseUrl) > 0 {
		a.client, err = pkg.NewClient(ctx, a.logger, apiKey, baseUrl[0])
	} else {
		a.client, err = pkg.NewClient(ctx, a.logger, apiKey, "")
	}
	if err != nil {
		a.logger.Error("creating client", err)
		return nil, err
	}
	a.logger.Info("client created successfully")

	// Showing resolved session config
	if err := a.printer.Writeln("📋 Session Config\n", 0); err != nil {
		a.logger.Error("printing session config message", err)
	}
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return nil, err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing session config", err)
		return nil, err
	}

	// Building the pipeline
	a.orchestrator, err = pkg.NewOrchestrator(a.logger, cfg, a.client)
	if err != nil {
		a.logger.Error("building session pipeline", err)
		return nil, err
	}
	a.logger.Info("session pipeline built successfully")
	stream := a.orchestrator.Subscribe()

	if err := a.printer.Writeln("\n🎤 Opening audio devices and connecting...", 0); err != nil {
		a.logger.Error("printing connect message", err)
	}
	if err := a.orchestrator.Start(ctx); err != nil {
		a.logger.Error("starting session", err)
		var devErr *shared.DeviceError
		if errors.As(err, &devErr) {
			if err := a.printer.Writeln("❌ Unable to open an audio device. Please ensure a microphone and speaker are connected and accessible.\n", 0); err != nil {
				a.logger.Error("printing device failure message", err)
			}
		}
		return nil, err
	}
	if err := a.printer.Writeln("✅ Session started. Speak when ready.\n", 0); err != nil {
		a.logger.Error("printing session started message", err)
	}

	switch a.mode {
	case DisplayModeTranscript:
		go a.runTranscript(stream)
	default:
		go a.runConsole(stream)
	}
	return a.orchestrator.Done(), nil
}

const (
	colorServer = "\x1b[32m"
	colorClient = "\x1b[36m"
	colorError  = "\x1b[31m"
	colorReset  = "\x1b[0m"
)

func sourceColor(s pkg.Source) string {
	if s == pkg.SourceClient {
		return colorClient
	}
	return colorServer
}

// runConsole renders one line per event and collapses consecutive
// repeats of the same event from the same side into a counter.
func (a *CLIAgent) runConsole(stream <-chan pkg.DisplayEvent) {
	lastKey := ""
	count := 0
	for de := range stream {
		key := de.Source.String() + "/" + string(de.Event.EventType())
		if key == lastKey {
			count++
		} else {
			if lastKey != "" {
				if err := a.printer.Write("\n", 0); err != nil {
					a.logger.Error("printing console newline", err)
				}
			}
			lastKey = key
			count = 1
		}
		line := fmt.Sprintf("%s%-6s%s %s", sourceColor(de.Source), de.Source, colorReset, de.Event.EventType())
		if count > 1 {
			line = fmt.Sprintf("%s (x%d)", line, count)
		}
		if err := a.printer.Overwrite(line); err != nil {
			a.logger.Error("printing console line", err)
		}
		if se, ok := de.Event.(*pkg.ServerEvent); ok && se.Type == pkg.ServerEventTypeError {
			if p, ok := se.Param.(*pkg.ServerEventParamError); ok {
				if err := a.printer.Write("\n", 0); err != nil {
					a.logger.Error("printing console newline", err)
				}
				if err := a.printer.Writeln(colorError+"❌ "+p.Message+colorReset, 1); err != nil {
					a.logger.Error("printing error detail", err)
				}
				lastKey = ""
			}
		}
	}
	if err := a.printer.Write("\n", 0); err != nil {
		a.logger.Error("printing console newline", err)
	}
}

// runTranscript streams the assistant's transcript deltas as they
// arrive and marks where the user spoke.
func (a *CLIAgent) runTranscript(stream <-chan pkg.DisplayEvent) {
	speaking := false
	for de := range stream {
		se, ok := de.Event.(*pkg.ServerEvent)
		if !ok {
			continue
		}
		switch se.Type {
		case pkg.ServerEventTypeInputAudioBufferSpeechStarted:
			if speaking {
				if err := a.printer.Write("\n", 0); err != nil {
					a.logger.Error("printing transcript newline", err)
				}
				speaking = false
			}
			if err := a.printer.Writeln("🎙️  (you)", 0); err != nil {
				a.logger.Error("printing user turn marker", err)
			}
		case pkg.ServerEventTypeResponseAudioTranscriptDelta:
			p, ok := se.Param.(*pkg.ServerEventParamResponseAudioTranscriptDelta)
			if !ok {
				continue
			}
			if !speaking {
				if err := a.printer.Write("🤖 ", 0); err != nil {
					a.logger.Error("printing assistant marker", err)
				}
				speaking = true
			}
			if err := a.printer.Write(p.Delta, 0); err != nil {
				a.logger.Error("printing transcript delta", err)
			}
		case pkg.ServerEventTypeResponseAudioTranscriptDone:
			if speaking {
				if err := a.printer.Write("\n\n", 0); err != nil {
					a.logger.Error("printing transcript newline", err)
				}
				speaking = false
			}
		case pkg.ServerEventTypeError:
			if p, ok := se.Param.(*pkg.ServerEventParamError); ok {
				if err := a.printer.Writeln(colorError+"❌ "+p.Message+colorReset, 0); err != nil {
					a.logger.Error("printing error detail", err)
				}
			}
		case pkg.ServerEventTypeDisconnected:
			if err := a.printer.Writeln("⚠️  Connection lost, reconnecting...", 0); err != nil {
				a.logger.Error("printing disconnect notice", err)
			}
		}
	}
}

func (a *CLIAgent) Close() error {
	if a.orchestrator == nil {
		return nil
	}
	a.orchestrator.Stop()
	<-a.orchestrator.Done()
	return a.orchestrator.Err()
}
