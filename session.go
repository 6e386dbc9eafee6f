package realtime

import (
	"sync"
	"time"
)

// TurnState is the single notion of whose turn it is. Exactly one state
// is active at a time and only the turn machine writes it.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnUserSpeaking
	TurnCommitting
	TurnAwaitingResponse
	TurnAssistantSpeaking
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "Idle"
	case TurnUserSpeaking:
		return "UserSpeaking"
	case TurnCommitting:
		return "Committing"
	case TurnAwaitingResponse:
		return "AwaitingResponse"
	case TurnAssistantSpeaking:
		return "AssistantSpeaking"
	}
	return "Unknown"
}

// VADMode selects which side produces the speech start/stop signals.
type VADMode string

const (
	// VADModeServer streams audio continuously and follows the server's
	// speech_started/speech_stopped events. The only implemented mode.
	VADModeServer VADMode = "server_vad"

	// VADModePushToTalk is reserved: speech edges would come from a
	// local key press instead of server events.
	VADModePushToTalk VADMode = "push_to_talk"
)

// SessionState holds the connection identity and turn-taking state of
// one realtime session. The turn machine is its only writer; display
// consumers and the orchestrator read snapshots.
type SessionState struct {
	mu               sync.Mutex
	id               string
	turn             TurnState
	turnSince        time.Time
	vadMode          VADMode
	activeResponseId string
	uplinkOpen       bool
}

func NewSessionState(mode VADMode) *SessionState {
	return &SessionState{
		vadMode:   mode,
		turnSince: time.Now(),
	}
}

func (s *SessionState) Id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *SessionState) Turn() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// TurnAge reports how long the current turn state has been active. A
// large age in AwaitingResponse means the server has stalled; the
// orchestrator surfaces it instead of hanging silently.
func (s *SessionState) TurnAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.turnSince)
}

func (s *SessionState) VADMode() VADMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vadMode
}

func (s *SessionState) ActiveResponseId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeResponseId
}

// UplinkOpen reports whether captured frames may be sent to the server.
// In continuous server-VAD mode the uplink is always open: the server
// needs to hear the user to detect speech, including for barge-in.
func (s *SessionState) UplinkOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vadMode == VADModeServer || s.uplinkOpen
}

func (s *SessionState) setId(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *SessionState) setTurn(turn TurnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != turn {
		s.turn = turn
		s.turnSince = time.Now()
	}
}

func (s *SessionState) setActiveResponseId(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeResponseId = id
}

func (s *SessionState) setUplinkOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uplinkOpen = open
}

// reset returns the state to its initial shape after a disconnect. The
// session identity is cleared; a reconnect mints a new one.
func (s *SessionState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.turn = TurnIdle
	s.turnSince = time.Now()
	s.activeResponseId = ""
	s.uplinkOpen = false
}
