package chat

import (
	"errors"
	"fmt"
)

// Kind classifies chat failures by how the caller must react to them
type Kind string

const (
	// KindValidation is a malformed inbound frame; answered with an error frame
	KindValidation Kind = "validation"
	// KindAuthorization is a sender outside the conversation; answered with an error frame
	KindAuthorization Kind = "authorization"
	// KindPairing is a conversation request not resolving to one doctor and one patient
	KindPairing Kind = "pairing"
	// KindPersistence is an unavailable store; the message is neither stored nor relayed
	KindPersistence Kind = "persistence"
	// KindChannel is a broken transport; fatal for its connection only
	KindChannel Kind = "channel"
	// KindNotFound is a reference to a conversation that does not exist
	KindNotFound Kind = "not_found"
)

var (
	ErrInvalidPairing = &Error{Kind: KindPairing, Reason: "a valid doctor id and a valid patient id are required"}
	ErrNotMember      = &Error{Kind: KindAuthorization, Reason: "Acesso não autorizado"}
	ErrNotFound       = &Error{Kind: KindNotFound, Reason: "conversation does not exist"}
)

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors of the same kind so callers can test against the exported sentinels
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns kind of err or empty string when err is not a chat error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
