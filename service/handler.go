package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/command"
	"github.com/asmvp/asmv-go/metrics"
	"github.com/asmvp/asmv-go/queue"
)

// Handler executes one invocation against a service context. It runs on its
// own goroutine; every blocking call on the context is a suspension point.
type Handler func(ctx context.Context, c *Context) error

func (c *Context) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.upcallTimeout
	}
	return timeout
}

// GetInputs collects count values of the named input type. Values the agent
// already provided are drained first. When none have arrived at all, the
// service requests them and waits for the first one as long as the agent
// needs; once collection is under way each further item must arrive within
// timeout, with one repeated request per miss before giving up with
// InputTimeoutError. A timeout of 0 means DefaultUpcallTimeout.
func (c *Context) GetInputs(ctx context.Context, inputType string, count int, timeout time.Duration) ([]json.RawMessage, error) {
	iotype, known := c.command.InputType(inputType)
	if !known {
		return nil, asmv.NewMessageError(asmv.NameUnknownInputType,
			fmt.Sprintf("Unknown input type %q", inputType))
	}
	if count <= 0 {
		count = 1
	}
	timeout = c.effectiveTimeout(timeout)
	start := time.Now()
	defer func() { metrics.RecordUpcall("inputs", time.Since(start).Seconds()) }()
	pred := func(item asmv.InputItem) bool { return item.InputType == inputType }

	collected := make([]json.RawMessage, 0, count)
	for len(collected) < count {
		item, ok, err := c.inputs.Wait(ctx, pred, queue.Poll)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		collected = append(collected, item.Value)
	}

	if len(collected) == 0 {
		if err := c.requestInput(ctx, iotype, count); err != nil {
			return nil, err
		}
		item, ok, err := c.inputs.Wait(ctx, pred, 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: input wait interrupted", ErrNotActive)
		}
		collected = append(collected, item.Value)
	}

	for len(collected) < count {
		item, ok, err := c.inputs.Wait(ctx, pred, timeout)
		if err != nil {
			return nil, err
		}
		if ok {
			collected = append(collected, item.Value)
			continue
		}
		if err := c.requestInput(ctx, iotype, count-len(collected)); err != nil {
			return nil, err
		}
		item, ok, err = c.inputs.Wait(ctx, pred, timeout)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &InputTimeoutError{InputType: inputType}
		}
		collected = append(collected, item.Value)
	}
	return collected, nil
}

func (c *Context) requestInput(ctx context.Context, iotype *command.IOType, remaining int) error {
	return c.send(ctx, &asmv.RequestInput{Inputs: map[string]asmv.InputDescriptor{
		iotype.Name: iotype.Descriptor(remaining),
	}})
}

// Inputs collects count items of inputType with the default timeout and
// decodes each value into T.
func Inputs[T any](ctx context.Context, c *Context, inputType string, count int) ([]T, error) {
	raws, err := c.GetInputs(ctx, inputType, count, 0)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, fmt.Errorf("decode input %q: %w", inputType, err)
		}
	}
	return out, nil
}

// Confirmation is a user's affirmative answer to a confirmation request.
// A ReqID of "" means the confirmation was supplied up front on the Invoke.
type Confirmation struct {
	ReqID       string
	ConfirmedBy string
}

// RequestUserConfirmation asks the agent's user to approve an action and
// waits for the answer. An up-front confirmation from the Invoke satisfies
// the first wait. A timeout of 0 means DefaultUpcallTimeout.
func (c *Context) RequestUserConfirmation(ctx context.Context, reason string, timeout time.Duration) (*Confirmation, error) {
	timeout = c.effectiveTimeout(timeout)
	start := time.Now()
	defer func() { metrics.RecordUpcall("confirmation", time.Since(start).Seconds()) }()
	reqID := uuid.NewString()
	if err := c.send(ctx, &asmv.RequestUserConfirmation{ReqID: reqID, Reason: reason}); err != nil {
		return nil, err
	}

	pred := func(m asmv.Message) bool {
		p, ok := m.(*asmv.ProvideUserConfirmation)
		return ok && (p.ReqID == reqID || p.ReqID == "")
	}
	msg, ok, err := c.messages.Wait(ctx, pred, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConfirmationTimeoutError{ReqID: reqID}
	}
	p := msg.(*asmv.ProvideUserConfirmation)
	return &Confirmation{ReqID: p.ReqID, ConfirmedBy: p.ConfirmedBy}, nil
}

// PaymentRequest describes a payment the handler wants authorized.
type PaymentRequest struct {
	Amount      int64
	Currency    string
	Description string

	// AcceptedPaymentSchemas overrides the context default for this call.
	AcceptedPaymentSchemas []string
}

// PaymentAuthorization is the agent's grant. MaxAmount and Currency echo the
// request; the grant never exceeds what was asked for.
type PaymentAuthorization struct {
	PaymentID     string
	PaymentSchema string
	MaxAmount     int64
	Currency      string
	Token         string
}

// RequestPayment asks the agent to authorize a payment and waits for the
// decision. A rejection surfaces as PaymentRejectedError. A timeout of 0
// means DefaultUpcallTimeout.
func (c *Context) RequestPayment(ctx context.Context, req PaymentRequest, timeout time.Duration) (*PaymentAuthorization, error) {
	timeout = c.effectiveTimeout(timeout)
	start := time.Now()
	defer func() { metrics.RecordUpcall("payment", time.Since(start).Seconds()) }()
	reqID := uuid.NewString()
	schemas := req.AcceptedPaymentSchemas
	if len(schemas) == 0 {
		schemas = c.paymentSchemas
	}
	err := c.send(ctx, &asmv.RequestPayment{
		ReqID:                  reqID,
		AcceptedPaymentSchemas: schemas,
		Amount:                 req.Amount,
		Currency:               req.Currency,
		Description:            req.Description,
	})
	if err != nil {
		return nil, err
	}

	pred := func(m asmv.Message) bool {
		switch reply := m.(type) {
		case *asmv.AuthorizePayment:
			return reply.ReqID == reqID
		case *asmv.RejectPayment:
			return reply.ReqID == reqID
		}
		return false
	}
	msg, ok, err := c.messages.Wait(ctx, pred, timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &PaymentTimeoutError{ReqID: reqID}
	}
	switch reply := msg.(type) {
	case *asmv.AuthorizePayment:
		return &PaymentAuthorization{
			PaymentID:     reply.PaymentID,
			PaymentSchema: reply.PaymentSchema,
			MaxAmount:     req.Amount,
			Currency:      req.Currency,
			Token:         reply.Token,
		}, nil
	case *asmv.RejectPayment:
		return nil, &PaymentRejectedError{Reason: reply.Reason}
	default:
		return nil, fmt.Errorf("unexpected payment reply %s", msg.Type())
	}
}

// ReturnData appends an output item to the return buffer. The value is
// validated against the output type's schema unless WithValidateReturns(false)
// was set. Items are not sent until the next flush.
func (c *Context) ReturnData(outputType string, value any, summary ...string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode output %q: %w", outputType, err)
	}
	if c.validateReturns {
		if err := c.command.ValidateOutput(outputType, data); err != nil {
			return err
		}
	}
	item := asmv.Output{OutputType: outputType, Data: data}
	if len(summary) > 0 {
		item.Summary = summary[0]
	}
	c.bufMu.Lock()
	c.returnBuf = append(c.returnBuf, item)
	c.bufMu.Unlock()
	return nil
}

// ReturnError appends an error item to the return buffer. Error items carry
// no output schema and are never validated.
func (c *Context) ReturnError(name, description string, data any) error {
	item := asmv.ErrorItem{ErrorName: name, Description: description}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode error data: %w", err)
		}
		item.Data = encoded
	}
	c.bufMu.Lock()
	c.returnBuf = append(c.returnBuf, item)
	c.bufMu.Unlock()
	return nil
}

// Finish sends the closing Return (flushing any buffered items, even when
// there are none) and transitions the context to Finished.
func (c *Context) Finish(ctx context.Context) error {
	if st := c.Status(); st != StatusActive {
		return fmt.Errorf("%w: cannot finish while %s", ErrNotActive, st)
	}
	if err := c.flushReturns(ctx, true); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.transitionLocked(StatusFinished)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.observer.OnFinish()
	return nil
}

// Suspend flushes buffered return items (when present) and transitions the
// context to Suspended. The runner then snapshots it to the store and
// disposes the in-memory instance.
func (c *Context) Suspend(ctx context.Context) error {
	if st := c.Status(); st != StatusActive {
		return fmt.Errorf("%w: cannot suspend while %s", ErrNotActive, st)
	}
	if c.pendingReturns() > 0 {
		if err := c.flushReturns(ctx, false); err != nil {
			return err
		}
	}

	c.mu.Lock()
	err := c.transitionLocked(StatusSuspended)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.observer.OnSuspend()
	return nil
}

// ConfigProfile returns the stored value of a config profile the command
// declared as required.
func (c *Context) ConfigProfile(name string) (json.RawMessage, error) {
	if !c.command.RequiresConfigProfile(name) {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotRequired, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configProfiles[name], nil
}

// Profile decodes the named config profile value into T.
func Profile[T any](c *Context, name string) (T, error) {
	var out T
	raw, err := c.ConfigProfile(name)
	if err != nil {
		return out, err
	}
	if raw == nil {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode config profile %q: %w", name, err)
	}
	return out, nil
}

// SetState replaces the opaque handler state persisted with the context.
func (c *Context) SetState(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	c.mu.Lock()
	c.state = data
	c.mu.Unlock()
	return nil
}

// State returns the raw handler state, nil when none was set.
func (c *Context) State() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateInto decodes the handler state into ptr. Unset state leaves ptr
// untouched.
func (c *Context) StateInto(ptr any) error {
	raw := c.State()
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, ptr)
}
