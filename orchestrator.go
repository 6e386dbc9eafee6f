package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxbridge/realtime/shared"
	"github.com/voxbridge/realtime/tools"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source tags a display event with the side that produced it.
type Source int

const (
	SourceServer Source = iota
	SourceClient
)

func (s Source) String() string {
	if s == SourceClient {
		return "client"
	}
	return "server"
}

// DisplayEvent is the read-only stream element the display modes
// consume: every inbound event and a mirror of every outbound one.
type DisplayEvent struct {
	Source Source
	Event  Event
	Time   time.Time
}

// Snapshot is a point-in-time view of the session for display and
// diagnostics. TurnAge in AwaitingResponse is the stall indicator.
type Snapshot struct {
	Turn             TurnState
	TurnAge          time.Duration
	Client           ClientState
	SessionId        string
	ActiveResponseId string

	UplinkFrames      int
	DownlinkFrames    int
	UplinkOverruns    uint64
	DownlinkUnderruns uint64
	DiscardedEvents   uint64
}

// Orchestrator wires capture, resampling, transport, the turn machine
// and playback into one session. It is the only place a session is
// declared terminated.
type Orchestrator struct {
	logger shared.LoggerAdapter
	cfg    *SessionConfig
	client *Client
	state  *SessionState
	turn   *TurnMachine

	uplink   *tools.Ring
	downlink *tools.Ring
	capture  *tools.Capture
	playback *tools.Playback

	input  tools.InputDevice
	output tools.OutputDevice

	mu          sync.Mutex
	running     bool
	terminalErr error
	subscribers []chan DisplayEvent

	group    *errgroup.Group
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// OrchestratorOption injects a collaborator. Devices default to the
// real microphone and speaker; tests substitute synthetic ones.
type OrchestratorOption func(*Orchestrator)

func WithInputDevice(dev tools.InputDevice) OrchestratorOption {
	return func(o *Orchestrator) { o.input = dev }
}

func WithOutputDevice(dev tools.OutputDevice) OrchestratorOption {
	return func(o *Orchestrator) { o.output = dev }
}

// NewOrchestrator builds the full pipeline around an existing client.
// The client must not be connected yet; Start owns connection.
func NewOrchestrator(
	logger shared.LoggerAdapter,
	cfg *SessionConfig,
	client *Client,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if client == nil {
		return nil, shared.ErrClientNotInitialized
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		client:   client,
		state:    NewSessionState(cfg.VADMode),
		uplink:   tools.NewRing(cfg.RingFrames(), tools.DropOldest),
		downlink: tools.NewRing(cfg.RingFrames(), tools.DropOldest),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	turn, err := NewTurnMachine(
		logger, o.state, o.sendTracked,
		o.uplink, o.downlink,
		cfg.WireFormat(), cfg.PlaybackFormat(),
		o.sessionLost,
	)
	if err != nil {
		return nil, err
	}
	o.turn = turn
	return o, nil
}

// Subscribe returns a read-only stream of display events. Slow
// subscribers lose events rather than stalling the pipeline.
func (o *Orchestrator) Subscribe() <-chan DisplayEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan DisplayEvent, 256)
	o.subscribers = append(o.subscribers, ch)
	return ch
}

func (o *Orchestrator) publish(source Source, event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	de := DisplayEvent{Source: source, Event: event, Time: time.Now()}
	for _, ch := range o.subscribers {
		select {
		case ch <- de:
		default:
		}
	}
}

// sendTracked is the turn machine's and sender loop's outbound path: it
// sends via the client and mirrors the event onto the display stream.
func (o *Orchestrator) sendTracked(event *ClientEvent) error {
	if err := o.client.Send(event); err != nil {
		return err
	}
	o.publish(SourceClient, event)
	return nil
}

// Snapshot reads the current session state without touching the
// pipeline.
func (o *Orchestrator) Snapshot() Snapshot {
	return Snapshot{
		Turn:              o.state.Turn(),
		TurnAge:           o.state.TurnAge(),
		Client:            o.client.State(),
		SessionId:         o.state.Id(),
		ActiveResponseId:  o.state.ActiveResponseId(),
		UplinkFrames:      o.uplink.Len(),
		DownlinkFrames:    o.downlink.Len(),
		UplinkOverruns:    o.uplink.Overruns(),
		DownlinkUnderruns: o.downlink.Underruns(),
		DiscardedEvents:   o.turn.DiscardedEvents(),
	}
}

// Signal feeds a local speech edge into the turn machine, for the
// reserved push-to-talk mode.
func (o *Orchestrator) Signal(sig Signal) {
	o.turn.HandleSignal(sig)
}

// Start connects the transport and launches the pipeline. Device
// resources acquired here are released on every exit path.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()

	if o.input == nil {
		dev, err := tools.NewMalgoInput(o.cfg.CaptureFormat())
		if err != nil {
			return err
		}
		o.input = dev
	}
	if o.output == nil {
		dev, err := tools.NewOtoOutput(o.cfg.PlaybackFormat(), o.cfg.FrameDuration()*2)
		if err != nil {
			_ = o.input.Stop()
			return err
		}
		o.output = dev
	}

	capture, err := tools.NewCapture(
		o.logger, o.input,
		o.cfg.CaptureFormat(), o.cfg.WireFormat(),
		o.cfg.FrameDuration(), o.uplink,
	)
	if err != nil {
		o.releaseDevices()
		return err
	}
	o.capture = capture
	playback, err := tools.NewPlayback(o.logger, o.output, o.downlink)
	if err != nil {
		o.releaseDevices()
		return err
	}
	o.playback = playback

	if err := o.client.SetReconnectPolicy(o.cfg.ReconnectPolicy()); err != nil {
		o.releaseDevices()
		return err
	}
	if err := o.client.SetModel(o.cfg.Model); err != nil {
		o.releaseDevices()
		return err
	}
	if err := o.client.Connect(ctx); err != nil {
		o.releaseDevices()
		return err
	}
	events, err := o.client.Events()
	if err != nil {
		_ = o.client.Close()
		o.releaseDevices()
		return err
	}

	if err := o.capture.Start(); err != nil {
		_ = o.client.Close()
		o.releaseDevices()
		return err
	}
	if err := o.playback.Start(); err != nil {
		_ = o.capture.Stop()
		_ = o.client.Close()
		o.releaseDevices()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	o.mu.Lock()
	o.cancel = cancel
	o.group = group
	o.mu.Unlock()
	group.Go(func() error { return o.receiveLoop(groupCtx, events) })
	group.Go(func() error { return o.senderLoop(groupCtx) })
	go o.finish()
	return nil
}

// receiveLoop drives the turn machine with the transport's event
// sequence. It ends when the sequence does: session closed or Failed.
func (o *Orchestrator) receiveLoop(ctx context.Context, events <-chan *ServerEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				if o.client.State() == ClientStateFailed {
					return shared.ErrSessionFailed
				}
				return nil
			}
			o.publish(SourceServer, event)
			o.turn.HandleServerEvent(event)
			if event.Type == ServerEventTypeSessionCreated {
				o.configureSession()
			}
		}
	}
}

// configureSession pushes the resolved config to the server and, when a
// greeting is configured, asks for an opening response.
func (o *Orchestrator) configureSession() {
	update := &ClientEvent{
		Type:  ClientEventTypeSessionUpdate,
		Param: &ClientEventParamSessionUpdate{Session: o.cfg.RealtimeParam()},
	}
	if err := o.sendTracked(update); err != nil {
		o.logger.Error("sending session update", err)
		return
	}
	if o.cfg.Greeting == "" {
		return
	}
	create := &ClientEvent{
		Type: ClientEventTypeResponseCreate,
		Param: &ClientEventParamResponseCreate{
			Response: map[string]any{"instructions": o.cfg.Greeting},
		},
	}
	if err := o.sendTracked(create); err != nil {
		o.logger.Error("sending greeting response", err)
	}
}

// senderLoop drains the uplink ring in capture order. Frames produced
// while the uplink is gated are consumed and discarded so the ring
// never accumulates stale speech.
func (o *Orchestrator) senderLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.FrameDuration() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				frame, ok := o.uplink.Pop()
				if !ok {
					break
				}
				if !o.state.UplinkOpen() || o.client.State() != ClientStateConnected {
					continue
				}
				event := &ClientEvent{
					Type:  ClientEventTypeInputAudioBufferAppend,
					Param: &ClientEventParamInputAudioBufferAppend{Audio: tools.EncodePCM16(frame.Samples)},
				}
				if err := o.sendTracked(event); err != nil {
					o.logger.Warn("sending audio append", zap.Error(err))
					break
				}
			}
		}
	}
}

// sessionLost is the turn machine's escalation path. A recoverable
// disconnect only resets state (the client reconnects on its own); an
// unrecoverable session stops the pipeline.
func (o *Orchestrator) sessionLost(err error) {
	if errors.Is(err, shared.ErrSessionFailed) {
		o.logger.Error("session unrecoverable", err)
		go o.Stop()
		return
	}
	o.logger.Warn("session state reset", zap.Error(err))
}

// finish waits for the pipeline goroutines, releases the devices, and
// records the terminal error. Runs exactly once per Start.
func (o *Orchestrator) finish() {
	err := o.group.Wait()
	_ = o.capture.Stop()
	_ = o.playback.Stop()
	_ = o.client.Close()
	o.mu.Lock()
	if err != nil && o.terminalErr == nil {
		o.terminalErr = err
	}
	o.running = false
	subs := o.subscribers
	o.subscribers = nil
	o.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
	close(o.done)
}

func (o *Orchestrator) releaseDevices() {
	if o.input != nil {
		_ = o.input.Stop()
	}
	if o.output != nil {
		_ = o.output.Stop()
	}
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// Stop ends the session. Safe to call more than once; Done unblocks
// when teardown completes.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		started := o.cancel != nil
		o.mu.Unlock()
		if !started {
			return
		}
		_ = o.client.Close()
		o.cancel()
	})
}

// Done unblocks once the pipeline has fully torn down.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Err reports why the session terminated; nil after a clean stop.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminalErr
}
