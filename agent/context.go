// Package agent implements the client half of an invocation channel.
//
// An agent invokes a command through the transport layer, which returns a
// Context. The Context receives messages from the service through
// HandleIncomingMessage, hands them to the consumer through GetMessage or
// Messages, and composes the agent's replies (inputs, confirmations,
// payment decisions) as protocol messages sent back with retry.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/logger"
	"github.com/asmvp/asmv-go/metrics"
	"github.com/asmvp/asmv-go/queue"
)

// Status is the lifecycle state of an agent context.
type Status string

const (
	// StatusInvoked means the channel is open and messages flow both ways.
	StatusInvoked Status = "Invoked"
	// StatusCancelled means the agent cancelled the invocation.
	StatusCancelled Status = "Cancelled"
	// StatusFinished means the service closed the channel.
	StatusFinished Status = "Finished"
)

// Sender delivers one protocol message to the service half of the channel.
// Implementations mark transient failures with errors whose Retryable method
// returns true; such sends are retried with backoff.
type Sender interface {
	Send(ctx context.Context, msg asmv.Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg asmv.Message) error

func (f SenderFunc) Send(ctx context.Context, msg asmv.Message) error { return f(ctx, msg) }

// Context is the agent-side channel half. It is safe for concurrent use.
type Context struct {
	channel  asmv.Channel
	sender   Sender
	queue    *queue.Queue[asmv.Message]
	retry    RetryOptions
	observer Observer

	mu       sync.Mutex
	status   Status
	disposed bool
}

// Option configures an agent context.
type Option func(*Context)

// WithRetry overrides the send retry configuration.
func WithRetry(opts RetryOptions) Option {
	return func(c *Context) { c.retry = opts.normalize() }
}

// WithObserver registers a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(c *Context) { c.observer = obs }
}

// WithQueueCapacity bounds the incoming message queue. Messages arriving
// beyond the bound are rejected with queue.ErrFull. Default is unbounded.
func WithQueueCapacity(n int) Option {
	return func(c *Context) { c.queue = queue.New(queue.WithCapacity[asmv.Message](n)) }
}

// New creates an agent context for an established channel. The context
// starts in the Invoked state.
func New(channel asmv.Channel, sender Sender, opts ...Option) *Context {
	c := &Context{
		channel:  channel,
		sender:   sender,
		queue:    queue.New[asmv.Message](),
		retry:    DefaultRetryOptions(),
		observer: NopObserver{},
		status:   StatusInvoked,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Channel returns the channel descriptor, including any service half set by
// CompleteChannel after the invoke handshake.
func (c *Context) Channel() asmv.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// CompleteChannel records the service half of the channel delivered by the
// invoke handshake. The context is created before the handshake response
// arrives so incoming messages can be routed to it immediately; sends address
// the service half, so CompleteChannel must run before the first send.
func (c *Context) CompleteChannel(serviceChannelID, serviceChannelURL, serviceChannelToken string) {
	c.mu.Lock()
	c.channel.ServiceChannelID = serviceChannelID
	c.channel.ServiceChannelURL = serviceChannelURL
	c.channel.ServiceChannelToken = serviceChannelToken
	c.mu.Unlock()
}

// Status returns the current lifecycle state.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// HandleIncomingMessage enqueues a message from the service for consumers.
// A Return with close=true transitions the context to Finished and wakes
// blocked consumers; messages buffered before the close stay drainable.
func (c *Context) HandleIncomingMessage(msg asmv.Message) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if err := c.queue.Push(msg); err != nil {
		c.mu.Unlock()
		return err
	}
	closed := false
	if ret, ok := msg.(*asmv.Return); ok && ret.Close && c.status == StatusInvoked {
		c.status = StatusFinished
		closed = true
	}
	c.mu.Unlock()

	logger.IncomingMessage(c.channel.ClientChannelID, string(msg.Type()))
	metrics.RecordMessageReceived(string(msg.Type()))
	c.observer.OnIncomingMessage(msg)
	if closed {
		c.queue.FlushWaiters(nil)
		c.observer.OnClose()
	}
	return nil
}

// matchAny accepts every message.
func matchAny(asmv.Message) bool { return true }

// GetMessage returns the next message from the service. A timeout of 0 waits
// indefinitely, a negative timeout polls buffered messages only, and a
// positive timeout bounds the wait. Once the context leaves the Invoked
// state, GetMessage stops blocking and only drains what is still buffered.
func (c *Context) GetMessage(ctx context.Context, timeout time.Duration) (asmv.Message, bool, error) {
	if c.Status() != StatusInvoked {
		timeout = queue.Poll
	}
	return c.queue.Wait(ctx, matchAny, timeout)
}

// Messages returns a channel that yields each message from the service until
// the context leaves the Invoked state and the buffer is drained, then
// closes. Messages delivered on the channel are consumed; two concurrent
// iterations split the stream between them.
func (c *Context) Messages(ctx context.Context) <-chan asmv.Message {
	out := make(chan asmv.Message)
	go func() {
		defer close(out)
		for {
			msg, ok, err := c.GetMessage(ctx, 0)
			if err != nil {
				return
			}
			if !ok {
				if c.Status() == StatusInvoked {
					continue
				}
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ProvideInputs sends input items to the service.
func (c *Context) ProvideInputs(ctx context.Context, inputs []asmv.InputItem) error {
	return c.send(ctx, &asmv.ProvideInput{Inputs: inputs})
}

// ProvideUserConfirmation answers a RequestUserConfirmation.
func (c *Context) ProvideUserConfirmation(ctx context.Context, req *asmv.RequestUserConfirmation, confirmedBy string) error {
	return c.send(ctx, &asmv.ProvideUserConfirmation{ReqID: req.ReqID, ConfirmedBy: confirmedBy})
}

// Authorization carries the agent's side of a payment authorization. The
// authorized amount and currency are taken from the request being answered.
type Authorization struct {
	PaymentSchema string
	PaymentID     string
	Token         string
}

// AuthorizePayment answers a RequestPayment affirmatively. The authorization
// is capped at the requested amount.
func (c *Context) AuthorizePayment(ctx context.Context, req *asmv.RequestPayment, auth Authorization) error {
	return c.send(ctx, &asmv.AuthorizePayment{
		ReqID:         req.ReqID,
		PaymentSchema: auth.PaymentSchema,
		PaymentID:     auth.PaymentID,
		MaxAmount:     req.Amount,
		Currency:      req.Currency,
		Token:         auth.Token,
	})
}

// RejectPayment answers a RequestPayment negatively.
func (c *Context) RejectPayment(ctx context.Context, req *asmv.RequestPayment, reason string) error {
	return c.send(ctx, &asmv.RejectPayment{ReqID: req.ReqID, Reason: reason})
}

// Cancel tells the service to abort the invocation, then disposes the
// context locally. The local context is cancelled even if the send fails;
// the send error is still reported.
func (c *Context) Cancel(ctx context.Context) error {
	err := c.send(ctx, &asmv.Cancel{})

	c.mu.Lock()
	wasInvoked := c.status == StatusInvoked
	if wasInvoked {
		c.status = StatusCancelled
	}
	c.disposed = true
	c.mu.Unlock()

	if wasInvoked {
		c.queue.Flush(nil)
		c.observer.OnClose()
	}
	return err
}

// Close disposes the context without notifying the service. Blocked
// consumers wake empty and buffered messages are dropped. Safe to call
// multiple times.
func (c *Context) Close() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	wasInvoked := c.status == StatusInvoked
	if wasInvoked {
		c.status = StatusFinished
	}
	c.mu.Unlock()

	c.queue.Flush(nil)
	if wasInvoked {
		c.observer.OnClose()
	}
}

// send delivers msg through the retry loop. Only an Invoked context may send.
func (c *Context) send(ctx context.Context, msg asmv.Message) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.status != StatusInvoked {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot send %s while %s", ErrNotInvoked, msg.Type(), status)
	}
	c.mu.Unlock()

	attempts, err := sendWithRetry(ctx, c.retry, c.channel.ClientChannelID, func() error {
		return c.sender.Send(ctx, msg)
	})
	if err != nil {
		sendErr := &SendError{ChannelID: c.channel.ClientChannelID, Attempts: attempts, Cause: err}
		c.observer.OnError(sendErr)
		return sendErr
	}

	logger.OutgoingMessage(c.channel.ClientChannelID, string(msg.Type()), attempts)
	metrics.RecordMessageSent(string(msg.Type()))
	c.observer.OnOutgoingMessage(msg)
	return nil
}
