package service

import (
	"errors"
	"fmt"
)

// ErrNotActive is returned when a message or send is attempted on a context
// whose status does not permit it.
var ErrNotActive = errors.New("service context is not active")

// ErrCancelled fails pending handler waits when the agent cancels the
// invocation.
var ErrCancelled = errors.New("invocation cancelled by agent")

// ErrBufferFull is returned when an incoming message would exceed the
// configured queue capacity. The transport reports it as retryable.
var ErrBufferFull = errors.New("message buffer full")

// ErrProfileNotRequired is returned by ConfigProfile for a profile the
// command does not declare.
var ErrProfileNotRequired = errors.New("config profile not required by command")

// ErrInvalidTransition reports a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// InputTimeoutError is raised to the handler when GetInputs did not collect
// the requested items in time.
type InputTimeoutError struct {
	InputType string
}

func (e *InputTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for input %q", e.InputType)
}

// ConfirmationTimeoutError is raised when no ProvideUserConfirmation arrived
// for the request in time.
type ConfirmationTimeoutError struct {
	ReqID string
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for confirmation of request %s", e.ReqID)
}

// PaymentTimeoutError is raised when no payment decision arrived in time.
type PaymentTimeoutError struct {
	ReqID string
}

func (e *PaymentTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for payment decision on request %s", e.ReqID)
}

// PaymentRejectedError is raised when the agent answered a RequestPayment
// with RejectPayment.
type PaymentRejectedError struct {
	Reason string
}

func (e *PaymentRejectedError) Error() string {
	if e.Reason == "" {
		return "payment rejected"
	}
	return fmt.Sprintf("payment rejected: %s", e.Reason)
}
