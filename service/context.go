// Package service implements the service half of an invocation channel:
// the per-invocation context with its dispatch state machine, the blocking
// handler API (inputs, confirmations, payments, returns), the registry of
// live contexts and the runner that executes command handlers.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/command"
	"github.com/asmvp/asmv-go/logger"
	"github.com/asmvp/asmv-go/metrics"
	"github.com/asmvp/asmv-go/queue"
)

// Status is the lifecycle state of a service context.
type Status string

const (
	// StatusInitialized means the context exists but no Invoke was accepted.
	StatusInitialized Status = "Initialized"
	// StatusActive means the invocation is running.
	StatusActive Status = "Active"
	// StatusSuspended means the handler yielded and the context is about to
	// be persisted and evicted from memory.
	StatusSuspended Status = "Suspended"
	// StatusCancelled means the agent aborted the invocation.
	StatusCancelled Status = "Cancelled"
	// StatusFinished means the closing Return went out.
	StatusFinished Status = "Finished"
)

// statusTransitions enumerates the permitted status changes. Finished and
// Cancelled are terminal.
var statusTransitions = map[Status][]Status{
	StatusInitialized: {StatusActive},
	StatusActive:      {StatusSuspended, StatusCancelled, StatusFinished},
	StatusSuspended:   {StatusActive},
}

func canTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultUpcallTimeout bounds blocking handler waits when the caller passes
// no explicit timeout.
const DefaultUpcallTimeout = 5 * time.Minute

// Sender delivers one protocol message to the agent half of the channel.
type Sender interface {
	Send(ctx context.Context, msg asmv.Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg asmv.Message) error

func (f SenderFunc) Send(ctx context.Context, msg asmv.Message) error { return f(ctx, msg) }

// Context is the service-side channel half for one invocation. The transport
// feeds it through HandleIncomingMessage; the command handler consumes inputs
// and control replies through the blocking API and produces outputs through
// the return buffer. Safe for that two-sided concurrent use.
type Context struct {
	command  *command.Definition
	profiles map[string]*command.ConfigProfile
	channel  asmv.Channel
	sender   Sender
	observer Observer

	validateReturns bool
	paymentSchemas  []string
	upcallTimeout   time.Duration
	queueCap        int

	messages *queue.Queue[asmv.Message]   // control replies: confirmations, payment decisions
	inputs   *queue.Queue[asmv.InputItem] // provided inputs

	mu             sync.Mutex
	status         Status
	configProfiles map[string]json.RawMessage
	state          json.RawMessage
	disposed       bool

	sendMu    sync.Mutex // serializes outbound sends and the buffer swap
	seq       int64      // outbound sequence, guarded by sendMu
	bufMu     sync.Mutex
	returnBuf []asmv.ReturnItem
}

// Option configures a service context.
type Option func(*Context)

// WithValidateReturns toggles output schema validation on ReturnData.
// Enabled by default.
func WithValidateReturns(v bool) Option {
	return func(c *Context) { c.validateReturns = v }
}

// WithAcceptedPaymentSchemas sets the payment schemas offered on
// RequestPayment when the call does not override them.
func WithAcceptedPaymentSchemas(schemas ...string) Option {
	return func(c *Context) { c.paymentSchemas = schemas }
}

// WithUpcallTimeout overrides the default timeout for blocking handler waits.
func WithUpcallTimeout(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.upcallTimeout = d
		}
	}
}

// WithQueueCapacity bounds both context queues. Messages beyond the bound
// are rejected with ErrBufferFull. Default is unbounded.
func WithQueueCapacity(n int) Option {
	return func(c *Context) { c.queueCap = n }
}

// WithProfiles supplies the service's config profile definitions used to
// validate profile values on Invoke.
func WithProfiles(profiles ...*command.ConfigProfile) Option {
	return func(c *Context) {
		for _, p := range profiles {
			c.profiles[p.Name()] = p
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(c *Context) { c.observer = obs }
}

// New creates a service context in the Initialized state, ready to accept
// an Invoke.
func New(cmd *command.Definition, channel asmv.Channel, sender Sender, opts ...Option) *Context {
	c := &Context{
		command:         cmd,
		profiles:        make(map[string]*command.ConfigProfile),
		channel:         channel,
		sender:          sender,
		observer:        NopObserver{},
		validateReturns: true,
		upcallTimeout:   DefaultUpcallTimeout,
		status:          StatusInitialized,
		configProfiles:  make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.queueCap > 0 {
		c.messages = queue.New(queue.WithCapacity[asmv.Message](c.queueCap))
		c.inputs = queue.New(queue.WithCapacity[asmv.InputItem](c.queueCap))
	} else {
		c.messages = queue.New[asmv.Message]()
		c.inputs = queue.New[asmv.InputItem]()
	}
	return c
}

// Channel returns the channel descriptor the context was created with.
func (c *Context) Channel() asmv.Channel { return c.channel }

// Command returns the command definition the context executes.
func (c *Context) Command() *command.Definition { return c.command }

// Status returns the current lifecycle state.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// HandleIncomingMessage validates and admits one inbound message according
// to the dispatch table. A validation failure is returned without mutating
// the context. After a successful dispatch, pending return items are flushed
// when the context is still Active, so outputs produced between suspensions
// reach the agent without waiting for the next Finish or Suspend.
func (c *Context) HandleIncomingMessage(ctx context.Context, msg asmv.Message) error {
	if err := c.dispatch(msg); err != nil {
		return err
	}
	logger.IncomingMessage(c.channel.ServiceChannelID, string(msg.Type()))
	metrics.RecordMessageReceived(string(msg.Type()))

	if c.Status() == StatusActive && c.pendingReturns() > 0 {
		if err := c.flushReturns(ctx, false); err != nil {
			// The message was admitted; the restored items go out with the
			// next flush.
			logger.Warn("Deferred return flush failed",
				"channel_id", c.channel.ServiceChannelID,
				"error", err)
		}
	}
	return nil
}

func (c *Context) dispatch(msg asmv.Message) error {
	switch c.Status() {
	case StatusInitialized:
		inv, ok := msg.(*asmv.Invoke)
		if !ok {
			return asmv.NewMessageError(asmv.NameUnexpectedMessage,
				fmt.Sprintf("Cannot accept %s before Invoke", msg.Type()))
		}
		return c.acceptInvoke(inv)

	case StatusActive:
		switch m := msg.(type) {
		case *asmv.Invoke:
			return asmv.NewMessageError(asmv.NameUnexpectedMessage, "Command is already invoked")
		case *asmv.ProvideInput:
			return c.acceptInputs(m)
		case *asmv.Cancel:
			return c.acceptCancel()
		case *asmv.ProvideUserConfirmation, *asmv.AuthorizePayment, *asmv.RejectPayment:
			if err := c.messages.Push(msg); err != nil {
				return fmt.Errorf("%w: control queue", ErrBufferFull)
			}
			c.observer.OnMessage(msg)
			return nil
		default:
			return asmv.NewMessageError(asmv.NameUnexpectedMessage,
				fmt.Sprintf("Unexpected message %s", msg.Type()))
		}

	default:
		return fmt.Errorf("%w: status %s", ErrNotActive, c.Status())
	}
}

// acceptInvoke validates config profiles and initial inputs, collecting all
// violations, then activates the context.
func (c *Context) acceptInvoke(inv *asmv.Invoke) error {
	var children []*asmv.MessageError

	for _, name := range c.command.RequiredConfigProfiles() {
		if _, ok := inv.ConfigProfiles[name]; !ok {
			e := asmv.NewMessageError(asmv.NameMissingConfigProfile,
				fmt.Sprintf("Required config profile %q was not provided", name))
			e.Field = name
			children = append(children, e)
		}
	}
	for name, value := range inv.ConfigProfiles {
		profile, ok := c.profiles[name]
		if !ok {
			e := asmv.NewMessageError(asmv.NameUnknownConfigProfile,
				fmt.Sprintf("Config profile %q is not offered by this service", name))
			e.Field = name
			children = append(children, e)
			continue
		}
		if err := profile.Validate(value); err != nil {
			children = append(children, asMessageError(err, asmv.NameInvalidConfigProfile))
		}
	}
	for _, item := range inv.Inputs {
		if err := c.command.ValidateInput(item.InputType, item.Value); err != nil {
			children = append(children, asMessageError(err, asmv.NameInvalidInput))
		}
	}
	if len(children) > 0 {
		return asmv.NewInvalidMessage("Invoke validation failed", children...)
	}

	c.mu.Lock()
	if err := c.transitionLocked(StatusActive); err != nil {
		c.mu.Unlock()
		return err
	}
	for name, value := range inv.ConfigProfiles {
		c.configProfiles[name] = value
	}
	c.mu.Unlock()

	// Inputs were validated above; seed both queues before any handler runs.
	c.inputs.Seed(inv.Inputs)
	if inv.UserConfirmation != nil {
		_ = c.messages.Push(&asmv.ProvideUserConfirmation{
			ReqID:       "",
			ConfirmedBy: inv.UserConfirmation.ConfirmedBy,
		})
	}
	c.observer.OnMessage(inv)
	return nil
}

// acceptInputs validates a ProvideInput fail-fast: the first invalid item
// rejects the whole message and nothing is buffered.
func (c *Context) acceptInputs(m *asmv.ProvideInput) error {
	for _, item := range m.Inputs {
		if err := c.command.ValidateInput(item.InputType, item.Value); err != nil {
			return err
		}
	}
	if c.queueCap > 0 && c.inputs.Len()+len(m.Inputs) > c.queueCap {
		return fmt.Errorf("%w: input queue", ErrBufferFull)
	}
	for _, item := range m.Inputs {
		if err := c.inputs.Push(item); err != nil {
			return fmt.Errorf("%w: input queue", ErrBufferFull)
		}
	}
	c.observer.OnMessage(m)
	return nil
}

// acceptCancel transitions to Cancelled, drops pending return items and
// fails every blocked handler wait with ErrCancelled.
func (c *Context) acceptCancel() error {
	c.mu.Lock()
	if err := c.transitionLocked(StatusCancelled); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	// Wait out an in-flight flush, then drop whatever it left behind:
	// a cancelled context sends nothing further.
	c.sendMu.Lock()
	c.bufMu.Lock()
	c.returnBuf = nil
	c.bufMu.Unlock()
	c.sendMu.Unlock()

	c.inputs.Fail(ErrCancelled)
	c.messages.Fail(ErrCancelled)
	c.observer.OnCancel()
	return nil
}

func (c *Context) transitionLocked(to Status) error {
	if !canTransition(c.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, to)
	}
	c.status = to
	return nil
}

// send delivers one message to the agent. Only an Active context may send;
// this is what guarantees a cancelled or finished context goes quiet.
func (c *Context) send(ctx context.Context, msg asmv.Message) error {
	if st := c.Status(); st != StatusActive {
		return fmt.Errorf("%w: cannot send %s while %s", ErrNotActive, msg.Type(), st)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.sender.Send(ctx, msg); err != nil {
		return err
	}
	logger.OutgoingMessage(c.channel.ServiceChannelID, string(msg.Type()), 1)
	metrics.RecordMessageSent(string(msg.Type()))
	return nil
}

func (c *Context) pendingReturns() int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return len(c.returnBuf)
}

// flushReturns swaps the return buffer out and sends it as one Return.
// On send failure the unsent items are prepended back so order is kept and
// the error is surfaced; a context that got cancelled meanwhile drops them.
func (c *Context) flushReturns(ctx context.Context, closeChannel bool) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.bufMu.Lock()
	items := c.returnBuf
	c.returnBuf = nil
	c.bufMu.Unlock()

	switch st := c.Status(); st {
	case StatusActive:
	case StatusCancelled:
		return fmt.Errorf("%w: return items dropped after cancellation", ErrNotActive)
	default:
		c.restoreReturns(items)
		return fmt.Errorf("%w: status %s", ErrNotActive, st)
	}

	if items == nil {
		items = []asmv.ReturnItem{}
	}
	msg := &asmv.Return{Items: items, Close: closeChannel, Seq: c.seq + 1}
	if err := c.sender.Send(ctx, msg); err != nil {
		c.restoreReturns(items)
		return err
	}
	c.seq++
	logger.OutgoingMessage(c.channel.ServiceChannelID, string(asmv.MessageTypeReturn), 1,
		"items", len(items), "close", closeChannel)
	metrics.RecordMessageSent(string(asmv.MessageTypeReturn))
	return nil
}

func (c *Context) restoreReturns(items []asmv.ReturnItem) {
	if len(items) == 0 {
		return
	}
	c.bufMu.Lock()
	c.returnBuf = append(items, c.returnBuf...)
	c.bufMu.Unlock()
}

// Dispose tears down the in-memory context: blocked consumers wake empty and
// later waits return empty immediately. Idempotent. Dispose does not change
// the status; the runner snapshots Suspended contexts before disposing them.
func (c *Context) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.inputs.Fail(nil)
	c.messages.Fail(nil)
	c.observer.OnDispose()
}

// asMessageError keeps typed validation errors as-is and coerces anything
// else to the fallback name.
func asMessageError(err error, fallback string) *asmv.MessageError {
	if me, ok := asmv.AsMessageError(err); ok {
		return me
	}
	return asmv.NewMessageError(fallback, err.Error())
}
