package service

import (
	"encoding/json"
	"fmt"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/command"
)

// Snapshot is the serialized form of a service context: everything needed to
// rebuild an equivalent context in another process or after a restart. The
// return buffer is absent deliberately; Suspend flushes it before the
// snapshot is taken.
type Snapshot struct {
	Status         Status                     `json:"status"`
	ConfigProfiles map[string]json.RawMessage `json:"configProfiles"`
	State          json.RawMessage            `json:"state"`
	MessageQueue   []json.RawMessage          `json:"messageQueue"`
	InputQueue     []asmv.InputItem           `json:"inputQueue"`
}

// Snapshot serializes the context. Queues are captured as-is; the opaque
// handler state is emitted exactly as the handler stored it, `{}` when unset.
func (c *Context) Snapshot() (json.RawMessage, error) {
	c.mu.Lock()
	status := c.status
	profiles := make(map[string]json.RawMessage, len(c.configProfiles))
	for name, value := range c.configProfiles {
		profiles[name] = value
	}
	state := c.state
	c.mu.Unlock()

	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}

	buffered := c.messages.Items()
	messages := make([]json.RawMessage, 0, len(buffered))
	for _, m := range buffered {
		raw, err := asmv.MarshalMessage(m)
		if err != nil {
			return nil, fmt.Errorf("encode queued message: %w", err)
		}
		messages = append(messages, raw)
	}

	data, err := json.Marshal(Snapshot{
		Status:         status,
		ConfigProfiles: profiles,
		State:          state,
		MessageQueue:   messages,
		InputQueue:     c.inputs.Items(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode context snapshot: %w", err)
	}
	return data, nil
}

// Restore rebuilds a context from a snapshot. The command definition, channel
// and sender are not part of the snapshot and must be supplied again; options
// apply as on New. The restored context dispatches exactly like the one the
// snapshot was taken from.
func Restore(cmd *command.Definition, channel asmv.Channel, sender Sender, snapshot json.RawMessage, opts ...Option) (*Context, error) {
	var snap Snapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return nil, fmt.Errorf("decode context snapshot: %w", err)
	}
	switch snap.Status {
	case StatusInitialized, StatusActive, StatusSuspended, StatusCancelled, StatusFinished:
	default:
		return nil, fmt.Errorf("decode context snapshot: unknown status %q", snap.Status)
	}

	c := New(cmd, channel, sender, opts...)
	c.status = snap.Status
	if snap.ConfigProfiles != nil {
		c.configProfiles = snap.ConfigProfiles
	}
	c.state = snap.State

	if len(snap.MessageQueue) > 0 {
		messages := make([]asmv.Message, 0, len(snap.MessageQueue))
		for _, raw := range snap.MessageQueue {
			msg, err := asmv.UnmarshalMessage(raw)
			if err != nil {
				return nil, fmt.Errorf("decode queued message: %w", err)
			}
			messages = append(messages, msg)
		}
		c.messages.Seed(messages)
	}
	c.inputs.Seed(snap.InputQueue)
	return c, nil
}

// Reactivate moves a restored Suspended context back to Active so dispatch
// and the resumed handler can proceed.
func (c *Context) Reactivate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusSuspended {
		return fmt.Errorf("%w: cannot reactivate from %s", ErrInvalidTransition, c.status)
	}
	return c.transitionLocked(StatusActive)
}
