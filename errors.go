package asmv

import (
	"errors"
	"fmt"
)

// Error names carried by MessageError values. The same names appear in wire
// error bodies and in Return error items, so peers written in other
// languages can match on them.
const (
	NameInvalidMessage       = "InvalidMessage"
	NameMissingConfigProfile = "MissingConfigProfile"
	NameUnknownConfigProfile = "UnknownConfigProfile"
	NameInvalidConfigProfile = "InvalidConfigProfile"
	NameUnknownInputType     = "UnknownInputType"
	NameInvalidInput         = "InvalidInput"
	NameUnknownOutputType    = "UnknownOutputType"
	NameInvalidOutput        = "InvalidOutput"
	NameUnexpectedMessage    = "UnexpectedMessage"
	NameVersionNotSupported  = "VersionNotSupported"
)

// MessageError is a protocol-level validation failure. It is serializable
// so it can travel in wire error bodies, and it nests: a rejected Invoke
// carries one child per invalid profile or input, and each invalid input
// carries one child per schema violation.
type MessageError struct {
	Name     string          `json:"errorName"`
	Message  string          `json:"message"`
	Field    string          `json:"field,omitempty"`
	Details  any             `json:"details,omitempty"`
	Children []*MessageError `json:"childErrors,omitempty"`
}

func (e *MessageError) Error() string {
	switch {
	case len(e.Children) > 0:
		return fmt.Sprintf("asmv: %s: %s (%d child errors)", e.Name, e.Message, len(e.Children))
	case e.Field != "":
		return fmt.Sprintf("asmv: %s: %s: %s", e.Name, e.Field, e.Message)
	default:
		return fmt.Sprintf("asmv: %s: %s", e.Name, e.Message)
	}
}

// Is reports whether target is a MessageError with the same name, so
// errors.Is can match on the taxonomy without comparing payloads.
func (e *MessageError) Is(target error) bool {
	t, ok := target.(*MessageError)
	return ok && t.Name == e.Name
}

// NewMessageError builds a MessageError with the given taxonomy name.
func NewMessageError(name, message string) *MessageError {
	return &MessageError{Name: name, Message: message}
}

// NewInvalidMessage builds an InvalidMessage error with optional child
// errors describing individual violations.
func NewInvalidMessage(message string, children ...*MessageError) *MessageError {
	return &MessageError{Name: NameInvalidMessage, Message: message, Children: children}
}

// AsMessageError extracts a MessageError from an error chain.
func AsMessageError(err error) (*MessageError, bool) {
	var me *MessageError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// IsErrorName reports whether err is (or wraps) a MessageError with the
// given taxonomy name.
func IsErrorName(err error, name string) bool {
	me, ok := AsMessageError(err)
	return ok && me.Name == name
}
