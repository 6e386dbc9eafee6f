package realtime

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeError                         ServerEventType = "error"
	ServerEventTypeSessionCreated                ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                ServerEventType = "session.updated"
	ServerEventTypeInputAudioBufferCommitted     ServerEventType = "input_audio_buffer.committed"
	ServerEventTypeInputAudioBufferCleared       ServerEventType = "input_audio_buffer.cleared"
	ServerEventTypeInputAudioBufferSpeechStarted ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseCreated               ServerEventType = "response.created"
	ServerEventTypeResponseDone                  ServerEventType = "response.done"
	ServerEventTypeResponseAudioDelta            ServerEventType = "response.audio.delta"
	ServerEventTypeResponseAudioDone             ServerEventType = "response.audio.done"
	ServerEventTypeResponseAudioTranscriptDelta  ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone   ServerEventType = "response.audio_transcript.done"
	ServerEventTypeRatelimitsUpdated             ServerEventType = "rate_limits.updated"

	// ServerEventTypeDisconnected never travels on the wire. The client
	// injects it into the event sequence when the transport drops, so
	// consumers observe disconnection in-order with the last real event.
	ServerEventTypeDisconnected ServerEventType = "transport.disconnected"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
)

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// ServerEvent is the parsed, owned form of an inbound wire message. The
// transport owns the raw bytes; once parsed, nothing aliases back into
// the read buffer.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated:
		e.Param = new(ServerEventParamSessionCreated)
	case ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSessionUpdated)
	case ServerEventTypeInputAudioBufferCommitted:
		e.Param = new(ServerEventParamInputAudioBufferCommitted)
	case ServerEventTypeInputAudioBufferCleared:
		e.Param = new(ServerEventParamInputAudioBufferCleared)
	case ServerEventTypeInputAudioBufferSpeechStarted:
		e.Param = new(ServerEventParamInputAudioBufferSpeechStarted)
	case ServerEventTypeInputAudioBufferSpeechStopped:
		e.Param = new(ServerEventParamInputAudioBufferSpeechStopped)
	case ServerEventTypeResponseCreated:
		e.Param = new(ServerEventParamResponseCreated)
	case ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponseDone)
	case ServerEventTypeResponseAudioDelta:
		e.Param = new(ServerEventParamResponseAudioDelta)
	case ServerEventTypeResponseAudioDone:
		e.Param = new(ServerEventParamResponseAudioDone)
	case ServerEventTypeResponseAudioTranscriptDelta:
		e.Param = new(ServerEventParamResponseAudioTranscriptDelta)
	case ServerEventTypeResponseAudioTranscriptDone:
		e.Param = new(ServerEventParamResponseAudioTranscriptDone)
	case ServerEventTypeRatelimitsUpdated:
		e.Param = new(ServerEventParamRatelimitsUpdated)
	case ServerEventTypeDisconnected:
		e.Param = new(ServerEventParamDisconnected)
	default:
		// Unknown server events are surfaced raw so display consumers
		// can show them; the turn machine ignores them.
		e.Param = new(ServerEventParamRaw)
	}
	return e.Param.New(raw)
}

// ClientEvent is an outbound control or audio message. Marshaling stamps
// a fresh event_id when none is set.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	if e.EventId == "" {
		e.EventId = uuid.NewString()
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ClientEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ClientEventTypeSessionUpdate:
		e.Param = new(ClientEventParamSessionUpdate)
	case ClientEventTypeInputAudioBufferAppend:
		e.Param = new(ClientEventParamInputAudioBufferAppend)
	case ClientEventTypeInputAudioBufferCommit:
		e.Param = new(EmptyParam)
	case ClientEventTypeInputAudioBufferClear:
		e.Param = new(EmptyParam)
	case ClientEventTypeResponseCreate:
		e.Param = new(ClientEventParamResponseCreate)
	case ClientEventTypeResponseCancel:
		e.Param = new(ClientEventParamResponseCancel)
	default:
		return fmt.Errorf("unknown client event type: %s", e.Type)
	}
	return e.Param.New(raw)
}

// Helpers for number conversions: sonic hands numbers back as float64.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

// EmptyParam backs events whose payload is just the envelope, such as
// input_audio_buffer.commit.
type EmptyParam struct{}

func (p *EmptyParam) New(map[string]any) error { return nil }

func (p *EmptyParam) Json() map[string]any { return map[string]any{} }

// ServerEventParamRaw holds the untyped payload of an event type this
// client does not model.
type ServerEventParamRaw struct {
	Fields map[string]any
}

func (p *ServerEventParamRaw) New(m map[string]any) error {
	p.Fields = m
	return nil
}

func (p *ServerEventParamRaw) Json() map[string]any { return p.Fields }

// error
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	if v, ok := errObj["type"].(string); ok {
		p.Type = v
	} else {
		return errors.New("missing error.type")
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	if v, ok := errObj["code"].(string); ok {
		p.Code = v
	}
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    p.Type,
			"code":    p.Code,
			"message": p.Message,
			"param":   p.Param,
		},
	}
}

// session.created
type ServerEventParamSessionCreated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionCreated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSessionCreated) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

// SessionId extracts the server-assigned connection identity.
func (p *ServerEventParamSessionCreated) SessionId() string {
	id, _ := p.Session["id"].(string)
	return id
}

// session.updated
type ServerEventParamSessionUpdated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionUpdated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSessionUpdated) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

// input_audio_buffer.committed
type ServerEventParamInputAudioBufferCommitted struct {
	PreviousItemId any
	ItemId         string
}

func (p *ServerEventParamInputAudioBufferCommitted) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	p.PreviousItemId = m["previous_item_id"]
	return nil
}

func (p *ServerEventParamInputAudioBufferCommitted) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item_id":          p.ItemId,
	}
}

// input_audio_buffer.cleared
type ServerEventParamInputAudioBufferCleared struct{}

func (p *ServerEventParamInputAudioBufferCleared) New(map[string]any) error { return nil }

func (p *ServerEventParamInputAudioBufferCleared) Json() map[string]any { return map[string]any{} }

// input_audio_buffer.speech_started
type ServerEventParamInputAudioBufferSpeechStarted struct {
	AudioStartMs int
	ItemId       string
}

func (p *ServerEventParamInputAudioBufferSpeechStarted) New(m map[string]any) error {
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioStartMs = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferSpeechStarted) Json() map[string]any {
	return map[string]any{
		"audio_start_ms": p.AudioStartMs,
		"item_id":        p.ItemId,
	}
}

// input_audio_buffer.speech_stopped
type ServerEventParamInputAudioBufferSpeechStopped struct {
	AudioEndMs int
	ItemId     string
}

func (p *ServerEventParamInputAudioBufferSpeechStopped) New(m map[string]any) error {
	if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioEndMs = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferSpeechStopped) Json() map[string]any {
	return map[string]any{
		"audio_end_ms": p.AudioEndMs,
		"item_id":      p.ItemId,
	}
}

// response.created
type ServerEventParamResponseCreated struct {
	Response map[string]any
}

func (p *ServerEventParamResponseCreated) New(m map[string]any) error {
	if response, ok := m["response"].(map[string]any); ok {
		p.Response = response
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *ServerEventParamResponseCreated) Json() map[string]any {
	return map[string]any{"response": p.Response}
}

// ResponseId extracts the identifier of the response being streamed.
func (p *ServerEventParamResponseCreated) ResponseId() string {
	id, _ := p.Response["id"].(string)
	return id
}

// response.done
type ServerEventParamResponseDone struct {
	Response map[string]any
}

func (p *ServerEventParamResponseDone) New(m map[string]any) error {
	if response, ok := m["response"].(map[string]any); ok {
		p.Response = response
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *ServerEventParamResponseDone) Json() map[string]any {
	return map[string]any{"response": p.Response}
}

func (p *ServerEventParamResponseDone) ResponseId() string {
	id, _ := p.Response["id"].(string)
	return id
}

// Status reports the terminal status of the response: completed,
// cancelled, failed, or incomplete.
func (p *ServerEventParamResponseDone) Status() string {
	status, _ := p.Response["status"].(string)
	return status
}

// response.audio.delta
type ServerEventParamResponseAudioDelta struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamResponseAudioDelta) New(m map[string]any) error {
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	return nil
}

func (p *ServerEventParamResponseAudioDelta) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// response.audio.done
type ServerEventParamResponseAudioDone struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
}

func (p *ServerEventParamResponseAudioDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	return nil
}

func (p *ServerEventParamResponseAudioDone) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
	}
}

// response.audio_transcript.delta
type ServerEventParamResponseAudioTranscriptDelta struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamResponseAudioTranscriptDelta) New(m map[string]any) error {
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	return nil
}

func (p *ServerEventParamResponseAudioTranscriptDelta) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// response.audio_transcript.done
type ServerEventParamResponseAudioTranscriptDone struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamResponseAudioTranscriptDone) New(m map[string]any) error {
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	}
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	return nil
}

func (p *ServerEventParamResponseAudioTranscriptDone) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// rate_limits.updated
type ServerEventParamRatelimitsUpdated struct {
	RateLimits []any
}

func (p *ServerEventParamRatelimitsUpdated) New(m map[string]any) error {
	if v, ok := m["rate_limits"].([]any); ok {
		p.RateLimits = v
	} else {
		return errors.New("missing rate_limits")
	}
	return nil
}

func (p *ServerEventParamRatelimitsUpdated) Json() map[string]any {
	return map[string]any{"rate_limits": p.RateLimits}
}

// transport.disconnected (local only)
type ServerEventParamDisconnected struct {
	Reason string
}

func (p *ServerEventParamDisconnected) New(m map[string]any) error {
	if v, ok := m["reason"].(string); ok {
		p.Reason = v
	}
	return nil
}

func (p *ServerEventParamDisconnected) Json() map[string]any {
	return map[string]any{"reason": p.Reason}
}

// session.update
type ClientEventParamSessionUpdate struct {
	Session any
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	if v, ok := m["session"]; ok {
		p.Session = v
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

// input_audio_buffer.append
type ClientEventParamInputAudioBufferAppend struct {
	Audio string
}

func (p *ClientEventParamInputAudioBufferAppend) New(m map[string]any) error {
	if v, ok := m["audio"].(string); ok {
		p.Audio = v
	} else {
		return errors.New("missing audio")
	}
	return nil
}

func (p *ClientEventParamInputAudioBufferAppend) Json() map[string]any {
	return map[string]any{"audio": p.Audio}
}

// response.create
type ClientEventParamResponseCreate struct {
	Response map[string]any
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	}
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	if p.Response == nil {
		return map[string]any{}
	}
	return map[string]any{"response": p.Response}
}

// response.cancel
type ClientEventParamResponseCancel struct {
	ResponseId string
}

func (p *ClientEventParamResponseCancel) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	return nil
}

func (p *ClientEventParamResponseCancel) Json() map[string]any {
	if p.ResponseId == "" {
		return map[string]any{}
	}
	return map[string]any{"response_id": p.ResponseId}
}
