package service

import "github.com/asmvp/asmv-go"

// Observer receives lifecycle notifications from a service context and the
// runner driving it. Callbacks run on the goroutine that triggered them and
// must not block.
type Observer interface {
	// OnMessage fires after an inbound message is validated and admitted.
	OnMessage(msg asmv.Message)

	// OnCancel fires when the agent cancels the invocation.
	OnCancel()

	// OnSuspend fires when the handler suspends the context.
	OnSuspend()

	// OnFinish fires when the context finishes and the closing Return is out.
	OnFinish()

	// OnDispose fires when the in-memory context is torn down.
	OnDispose()

	// OnError fires when a handler fails or the runner hits a fault.
	OnError(err error)
}

// NopObserver ignores all notifications. It is the default.
type NopObserver struct{}

func (NopObserver) OnMessage(asmv.Message) {}
func (NopObserver) OnCancel()              {}
func (NopObserver) OnSuspend()             {}
func (NopObserver) OnFinish()              {}
func (NopObserver) OnDispose()             {}
func (NopObserver) OnError(error)          {}

var _ Observer = NopObserver{}
