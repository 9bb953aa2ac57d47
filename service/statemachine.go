package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownStage is returned when a state machine transitions to a stage
// that was never registered.
var ErrUnknownStage = errors.New("unknown stage")

// StateFunc runs one stage of a multi-stage handler. It returns the name of
// the next stage, or "" when the machine is done. A stage that needs the
// invocation parked (waiting for an out-of-band event, say) calls c.Suspend
// and returns the stage to re-enter on resume.
type StateFunc func(ctx context.Context, c *Context) (next string, err error)

// StateMachine builds a Handler out of named stages. The machine keeps
// `{"stage": ..., "data": ...}` in the context state, so a suspended
// invocation resumes at the recorded stage with its payload intact. Handlers
// driven by a machine use SetStageData and StageData instead of SetState.
type StateMachine struct {
	Initial string
	States  map[string]StateFunc
}

// stageEnvelope is the machine's representation of the context state.
type stageEnvelope struct {
	Stage string          `json:"stage"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler returns the Handler driving the machine. A fresh invocation starts
// at Initial; a restored one re-enters at the stage recorded when it
// suspended.
func (m *StateMachine) Handler() Handler {
	return func(ctx context.Context, c *Context) error {
		if m.Initial == "" {
			return errors.New("state machine has no initial stage")
		}

		env := stageEnvelope{Stage: m.Initial}
		if raw := c.State(); len(raw) > 0 {
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decode stage state: %w", err)
			}
			// A suspend with no next stage means nothing is left to run.
			if env.Stage == "" {
				return nil
			}
		}

		for env.Stage != "" {
			fn, ok := m.States[env.Stage]
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownStage, env.Stage)
			}
			if err := c.SetState(env); err != nil {
				return err
			}

			next, err := fn(ctx, c)
			if err != nil {
				return err
			}

			// The stage may have replaced its payload; reread before
			// advancing.
			env = readStageEnvelope(c)
			env.Stage = next

			switch c.Status() {
			case StatusSuspended:
				return c.SetState(env)
			case StatusCancelled:
				return ErrCancelled
			case StatusFinished:
				return nil
			}
		}
		return nil
	}
}

// SetStageData stores v as the stage payload, preserving the current stage.
func SetStageData(c *Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode stage data: %w", err)
	}
	env := readStageEnvelope(c)
	env.Data = data
	return c.SetState(env)
}

// StageData decodes the payload stored by SetStageData. It returns the zero
// value when no payload was stored.
func StageData[T any](c *Context) (T, error) {
	var out T
	env := readStageEnvelope(c)
	if len(env.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode stage data: %w", err)
	}
	return out, nil
}

func readStageEnvelope(c *Context) stageEnvelope {
	var env stageEnvelope
	if raw := c.State(); len(raw) > 0 {
		_ = json.Unmarshal(raw, &env)
	}
	return env
}
