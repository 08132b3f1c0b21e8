package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the machine-readable class of a domain failure
type ErrorKind string

const (
	KindUnknownAgent      ErrorKind = "UnknownAgent"
	KindInvalidStatus     ErrorKind = "InvalidStatus"
	KindIllegalTransition ErrorKind = "IllegalTransition"
	KindInvalidRange      ErrorKind = "InvalidRange"
	KindStoreUnavailable  ErrorKind = "StoreUnavailable"
	KindAgentInactive     ErrorKind = "AgentInactive"
	KindInvalidInput      ErrorKind = "InvalidInput"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrUnknownAgent      = &Error{Kind: KindUnknownAgent}
	ErrInvalidStatus     = &Error{Kind: KindInvalidStatus}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition}
	ErrInvalidRange      = &Error{Kind: KindInvalidRange}
	ErrStoreUnavailable  = &Error{Kind: KindStoreUnavailable}
	ErrAgentInactive     = &Error{Kind: KindAgentInactive}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
)

// Error is a domain failure. Current and Allowed are set for
// IllegalTransition; Allowed holds the full status enum for InvalidStatus.
type Error struct {
	Kind    ErrorKind
	Message string
	Current Status
	Allowed []Status
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func UnknownAgent(id string) *Error {
	return &Error{Kind: KindUnknownAgent, Message: fmt.Sprintf("agent %q not found", id)}
}

func InvalidStatus(raw Status) *Error {
	return &Error{
		Kind:    KindInvalidStatus,
		Message: fmt.Sprintf("invalid status %q; valid statuses: %s", raw, JoinStatuses(AllStatuses)),
		Allowed: append([]Status(nil), AllStatuses...),
	}
}

func IllegalTransition(current, target Status, allowed []Status) *Error {
	return &Error{
		Kind:    KindIllegalTransition,
		Message: fmt.Sprintf("cannot change from %q to %q; valid transitions: %s", current, target, JoinStatuses(allowed)),
		Current: current,
		Allowed: allowed,
	}
}

func InvalidRange(msg string) *Error {
	return &Error{Kind: KindInvalidRange, Message: msg}
}

func StoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Message: op + " failed", Err: err}
}

func AgentInactive(code string) *Error {
	return &Error{Kind: KindAgentInactive, Message: fmt.Sprintf("agent %q is not active", code)}
}

func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// JoinStatuses renders statuses as a comma separated list.
func JoinStatuses(statuses []Status) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

// ErrorPayload is the wire shape of a failure, shared by REST and WebSocket
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Current Status    `json:"current,omitempty"`
	Allowed []Status  `json:"allowed,omitempty"`
}

// PayloadOf renders err for a client. Errors without a kind are reported
// as StoreUnavailable with a generic message.
func PayloadOf(err error) ErrorPayload {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorPayload{Kind: KindStoreUnavailable, Message: "internal error"}
	}
	p := ErrorPayload{Kind: e.Kind, Message: e.Message, Current: e.Current, Allowed: e.Allowed}
	if e.Kind == KindStoreUnavailable {
		// the cause may carry backend details
		p.Message = "agent store unavailable"
	}
	if p.Message == "" {
		p.Message = string(e.Kind)
	}
	return p
}
