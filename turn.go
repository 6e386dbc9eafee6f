package realtime

import (
	"errors"
	"sync/atomic"

	"github.com/voxbridge/realtime/shared"
	"github.com/voxbridge/realtime/tools"
	"go.uber.org/zap"
)

// Signal is a locally generated speech edge. The reserved push-to-talk
// mode feeds these from key presses; in server-VAD mode the same
// transitions are driven by the server's speech events instead.
type Signal int

const (
	SignalSpeechStarted Signal = iota
	SignalSpeechStopped
)

// consecutiveErrorLimit is how many error events in a row the machine
// tolerates before declaring the session unrecoverable.
const consecutiveErrorLimit = 5

// TurnMachine is the protocol core: it consumes speech signals and
// server events, is the sole writer of TurnState, gates the uplink,
// feeds the downlink ring, and emits outbound control events.
//
// HandleServerEvent and HandleSignal must be called from a single
// goroutine (the orchestrator's receive loop); only snapshot reads
// through SessionState are concurrent.
type TurnMachine struct {
	logger shared.LoggerAdapter
	state  *SessionState
	send   func(*ClientEvent) error

	uplink         *tools.Ring
	downlink       *tools.Ring
	rs             *tools.Resampler
	wireFormat     tools.Format
	playbackFormat tools.Format

	// onSessionLost surfaces session-invalidating conditions upward.
	// The orchestrator is the only place a session is declared dead.
	onSessionLost func(error)

	consecutiveErrors int
	discardedEvents   atomic.Uint64
}

func NewTurnMachine(
	logger shared.LoggerAdapter,
	state *SessionState,
	send func(*ClientEvent) error,
	uplink, downlink *tools.Ring,
	wireFormat, playbackFormat tools.Format,
	onSessionLost func(error),
) (*TurnMachine, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if state == nil || send == nil || uplink == nil || downlink == nil {
		return nil, errors.New("state, send function and both rings are required")
	}
	if err := wireFormat.Validate(); err != nil {
		return nil, err
	}
	if err := playbackFormat.Validate(); err != nil {
		return nil, err
	}
	return &TurnMachine{
		logger:         logger,
		state:          state,
		send:           send,
		uplink:         uplink,
		downlink:       downlink,
		rs:             tools.NewResampler(),
		wireFormat:     wireFormat,
		playbackFormat: playbackFormat,
		onSessionLost:  onSessionLost,
	}, nil
}

// DiscardedEvents reports how many malformed or out-of-order events the
// machine has dropped.
func (t *TurnMachine) DiscardedEvents() uint64 {
	return t.discardedEvents.Load()
}

// HandleSignal applies a local speech edge. Only meaningful in the
// reserved push-to-talk mode; server-VAD sessions receive the same
// transitions via HandleServerEvent.
func (t *TurnMachine) HandleSignal(sig Signal) {
	switch sig {
	case SignalSpeechStarted:
		t.speechStarted()
	case SignalSpeechStopped:
		t.speechStopped()
	}
}

// HandleServerEvent runs one event through the transition table.
// Malformed or out-of-order events are logged and discarded; a
// misbehaving server must not bring down the client.
func (t *TurnMachine) HandleServerEvent(event *ServerEvent) {
	if event.Type != ServerEventTypeError {
		t.consecutiveErrors = 0
	}
	switch event.Type {
	case ServerEventTypeSessionCreated:
		param, ok := event.Param.(*ServerEventParamSessionCreated)
		if !ok {
			t.discard(event, errors.New("unexpected param type"))
			return
		}
		t.state.setId(param.SessionId())
		t.logger.Info("session created", zap.String("sessionId", param.SessionId()))

	case ServerEventTypeInputAudioBufferSpeechStarted:
		t.speechStarted()

	case ServerEventTypeInputAudioBufferSpeechStopped:
		t.speechStopped()

	case ServerEventTypeInputAudioBufferCommitted:
		if t.state.Turn() != TurnCommitting {
			t.discard(event, errors.New("commit ack outside Committing"))
			return
		}
		t.state.setUplinkOpen(false)
		t.state.setTurn(TurnAwaitingResponse)

	case ServerEventTypeResponseCreated:
		param, ok := event.Param.(*ServerEventParamResponseCreated)
		if !ok {
			t.discard(event, errors.New("unexpected param type"))
			return
		}
		if t.state.Turn() != TurnAwaitingResponse {
			t.discard(event, errors.New("response created without a pending turn"))
			return
		}
		t.state.setActiveResponseId(param.ResponseId())

	case ServerEventTypeResponseAudioDelta:
		param, ok := event.Param.(*ServerEventParamResponseAudioDelta)
		if !ok {
			t.discard(event, errors.New("unexpected param type"))
			return
		}
		t.responseAudioDelta(event, param)

	case ServerEventTypeResponseAudioDone:
		// Audio stream complete; the turn closes on response.done.

	case ServerEventTypeResponseDone:
		param, ok := event.Param.(*ServerEventParamResponseDone)
		if !ok {
			t.discard(event, errors.New("unexpected param type"))
			return
		}
		t.responseDone(param)

	case ServerEventTypeDisconnected:
		param, _ := event.Param.(*ServerEventParamDisconnected)
		reason := ""
		if param != nil {
			reason = param.Reason
		}
		t.disconnected(reason)

	case ServerEventTypeError:
		param, ok := event.Param.(*ServerEventParamError)
		if !ok {
			t.discard(event, errors.New("unexpected param type"))
			return
		}
		t.consecutiveErrors++
		t.logger.Error(
			"server reported error",
			errors.New(param.Message),
			zap.String("errorType", param.Type),
			zap.String("code", param.Code),
			zap.Int("consecutive", t.consecutiveErrors),
		)
		if t.consecutiveErrors >= consecutiveErrorLimit && t.onSessionLost != nil {
			t.onSessionLost(shared.ErrSessionFailed)
		}
	}
}

func (t *TurnMachine) speechStarted() {
	switch t.state.Turn() {
	case TurnIdle:
		t.state.setUplinkOpen(true)
		t.state.setTurn(TurnUserSpeaking)
	case TurnAssistantSpeaking:
		t.bargeIn()
	case TurnUserSpeaking:
		// Duplicate edge; nothing to do.
	default:
		t.discardedEvents.Add(1)
		t.logger.Debug(
			"speech started in unexpected state, discarded",
			zap.String("state", t.state.Turn().String()),
		)
	}
}

func (t *TurnMachine) speechStopped() {
	if t.state.Turn() != TurnUserSpeaking {
		t.discardedEvents.Add(1)
		t.logger.Debug(
			"speech stopped in unexpected state, discarded",
			zap.String("state", t.state.Turn().String()),
		)
		return
	}
	t.state.setTurn(TurnCommitting)
	if err := t.send(&ClientEvent{
		Type:  ClientEventTypeInputAudioBufferCommit,
		Param: new(EmptyParam),
	}); err != nil {
		t.logger.Error("sending buffer commit", err)
	}
}

// bargeIn cancels the in-flight response and flushes queued playback so
// no residual assistant audio plays after the user starts speaking. The
// flush is synchronous with the state transition.
func (t *TurnMachine) bargeIn() {
	cancel := &ClientEventParamResponseCancel{ResponseId: t.state.ActiveResponseId()}
	if err := t.send(&ClientEvent{
		Type:  ClientEventTypeResponseCancel,
		Param: cancel,
	}); err != nil {
		t.logger.Error("sending response cancel", err)
	}
	flushed := t.downlink.Flush()
	t.state.setActiveResponseId("")
	t.state.setUplinkOpen(true)
	t.state.setTurn(TurnUserSpeaking)
	t.logger.Info(
		"barge-in: response cancelled",
		zap.String("responseId", cancel.ResponseId),
		zap.Int("flushedFrames", flushed),
	)
}

func (t *TurnMachine) responseAudioDelta(event *ServerEvent, param *ServerEventParamResponseAudioDelta) {
	turn := t.state.Turn()
	switch turn {
	case TurnAwaitingResponse, TurnAssistantSpeaking:
		if active := t.state.ActiveResponseId(); active != "" && param.ResponseId != "" && active != param.ResponseId {
			t.discard(event, errors.New("delta for inactive response"))
			return
		}
	default:
		// A delta in Idle with no active response is the canonical
		// racing-server case: a cancelled response's tail arriving late.
		t.discard(event, errors.New("audio delta without active response"))
		return
	}

	samples, err := tools.DecodePCM16(param.Delta)
	if err != nil {
		t.discard(event, err)
		return
	}
	frame := tools.Frame{Format: t.wireFormat, Samples: samples}
	converted, err := t.rs.Convert(frame, t.playbackFormat)
	if err != nil {
		t.discard(event, err)
		return
	}
	if turn == TurnAwaitingResponse {
		if t.state.ActiveResponseId() == "" {
			t.state.setActiveResponseId(param.ResponseId)
		}
		t.state.setTurn(TurnAssistantSpeaking)
	}
	dropped, err := t.downlink.Push(t.playbackFormat, converted.Samples)
	if err != nil {
		t.logger.Error("pushing downlink frame", err)
		return
	}
	if dropped > 0 {
		t.logger.Warn("downlink ring overflow", zap.Int("droppedFrames", dropped))
	}
}

func (t *TurnMachine) responseDone(param *ServerEventParamResponseDone) {
	active := t.state.ActiveResponseId()
	if param.ResponseId() != "" && active != "" && param.ResponseId() != active {
		t.discardedEvents.Add(1)
		t.logger.Debug(
			"response done for inactive response, discarded",
			zap.String("responseId", param.ResponseId()),
		)
		return
	}
	t.state.setActiveResponseId("")
	switch t.state.Turn() {
	case TurnAssistantSpeaking, TurnAwaitingResponse:
		t.state.setTurn(TurnIdle)
	default:
		// After barge-in the cancelled response completes while the
		// user is already speaking; clear the id and stay put.
		t.logger.Trace(
			"response done outside assistant turn",
			zap.String("state", t.state.Turn().String()),
			zap.String("status", param.Status()),
		)
	}
}

// disconnected invalidates the session: both buffers are flushed so no
// stale audio survives into a reconnected session, and the loss is
// surfaced upward.
func (t *TurnMachine) disconnected(reason string) {
	t.uplink.Flush()
	t.downlink.Flush()
	t.state.reset()
	t.logger.Warn("session lost", zap.String("reason", reason))
	if t.onSessionLost != nil {
		t.onSessionLost(shared.ErrSessionLost)
	}
}

func (t *TurnMachine) discard(event *ServerEvent, cause error) {
	t.discardedEvents.Add(1)
	perr := &shared.ProtocolError{EventType: string(event.Type), Err: cause}
	t.logger.Warn(
		"discarding event",
		zap.String("type", string(event.Type)),
		zap.String("state", t.state.Turn().String()),
		zap.Error(perr),
	)
}
