package agent

import "github.com/asmvp/asmv-go"

// Observer receives lifecycle notifications from an agent context. Callbacks
// run on the goroutine that triggered them and must not block.
type Observer interface {
	// OnIncomingMessage fires after a message from the service is enqueued.
	OnIncomingMessage(msg asmv.Message)

	// OnOutgoingMessage fires after a message is successfully delivered.
	OnOutgoingMessage(msg asmv.Message)

	// OnClose fires once when the service closes the channel.
	OnClose()

	// OnError fires when a send fails terminally.
	OnError(err error)
}

// NopObserver ignores all notifications. It is the default.
type NopObserver struct{}

func (NopObserver) OnIncomingMessage(asmv.Message) {}
func (NopObserver) OnOutgoingMessage(asmv.Message) {}
func (NopObserver) OnClose()                       {}
func (NopObserver) OnError(error)                  {}

var _ Observer = NopObserver{}
