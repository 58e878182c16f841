package call

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrNegotiationFailed      = errors.New("negotiation failed")
	ErrSignalingUnavailable   = errors.New("signaling unavailable")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConnectionLost         = errors.New("connection lost")
	ErrInvalidArgument        = errors.New("invalid argument")

	// ErrCallEnded is returned by StartCall or AnswerCall when the attempt
	// was ended (locally or by the remote) before setup completed.
	ErrCallEnded = errors.New("call ended during setup")
)

// Error is returned by controller operations. errors.Is matches both the
// taxonomy Kind and the underlying cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("call: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("call: %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Reason is the terminal reason code surfaced with an Idle phase.
type Reason string

const (
	ReasonLocalHangup       Reason = "local_hangup"
	ReasonRemoteHangup      Reason = "remote_hangup"
	ReasonTimeout           Reason = "timeout"
	ReasonMediaFailed       Reason = "media_acquisition_failed"
	ReasonNegotiationFailed Reason = "negotiation_failed"
	ReasonSignalingFailed   Reason = "signaling_unavailable"
	ReasonConnectionLost    Reason = "connection_lost"
	ReasonClosed            Reason = "closed"
)

// ReasonOf maps an error from this package to its reason code.
func ReasonOf(err error) Reason {
	switch {
	case errors.Is(err, ErrMediaAcquisitionFailed):
		return ReasonMediaFailed
	case errors.Is(err, ErrNegotiationFailed):
		return ReasonNegotiationFailed
	case errors.Is(err, ErrSignalingUnavailable):
		return ReasonSignalingFailed
	case errors.Is(err, ErrConnectionLost):
		return ReasonConnectionLost
	}
	return ""
}
