package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotRunning     = errors.New("session not running")
	ErrSessionFailed         = errors.New("session failed")
	ErrSessionLost           = errors.New("session lost")
	ErrReceiverAlreadyTaken  = errors.New("event receiver already taken")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
)

// DeviceErrorKind enumerates the ways an audio device can fail.
type DeviceErrorKind int

const (
	DeviceErrorNoDevice DeviceErrorKind = iota
	DeviceErrorFormatUnsupported
	DeviceErrorStreamStartFailed
)

func (k DeviceErrorKind) String() string {
	switch k {
	case DeviceErrorNoDevice:
		return "no-device"
	case DeviceErrorFormatUnsupported:
		return "format-unsupported"
	case DeviceErrorStreamStartFailed:
		return "stream-start-failed"
	}
	return "unknown"
}

// DeviceError is fatal to the session: there is no audio device
// recovery, the error is surfaced to the orchestrator and the session
// terminates.
type DeviceError struct {
	Kind DeviceErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio device error (%s)", e.Kind)
	}
	return fmt.Sprintf("audio device error (%s): %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func NewDeviceError(kind DeviceErrorKind, err error) *DeviceError {
	return &DeviceError{Kind: kind, Err: err}
}

// FormatError reports an invalid audio format request. It indicates a
// programming or configuration error and should be caught before the
// session starts.
type FormatError struct {
	Rate     int
	Channels int
	Reason   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid audio format (rate=%d, channels=%d): %s", e.Rate, e.Channels, e.Reason)
}

// ProtocolError reports a malformed or out-of-order wire event. It is
// non-fatal: the offending event is logged and discarded.
type ProtocolError struct {
	EventType string
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error on %q event", e.EventType)
	}
	return fmt.Sprintf("protocol error on %q event: %v", e.EventType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
