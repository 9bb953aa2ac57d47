package agent

import (
	"errors"
	"fmt"
)

// ErrNotInvoked is returned when a send is attempted on a context that has
// left the Invoked state (cancelled or finished).
var ErrNotInvoked = errors.New("agent context is not invoked")

// ErrDisposed is returned when a message arrives for a context that has
// already been disposed.
var ErrDisposed = errors.New("agent context is disposed")

// SendError reports a message send that failed terminally, either because
// the failure was not retryable or because all attempts were exhausted.
type SendError struct {
	ChannelID string
	Attempts  int
	Cause     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send on channel %s failed after %d attempt(s): %v", e.ChannelID, e.Attempts, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }
