package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmvp/asmv-go"
)

func TestStateMachineRunsStagesInOrder(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke())

	var ran []string
	m := &StateMachine{
		Initial: "first",
		States: map[string]StateFunc{
			"first": func(ctx context.Context, c *Context) (string, error) {
				ran = append(ran, "first")
				return "second", nil
			},
			"second": func(ctx context.Context, c *Context) (string, error) {
				ran = append(ran, "second")
				return "", c.Finish(ctx)
			},
		},
	}

	require.NoError(t, m.Handler()(context.Background(), c))

	assert.Equal(t, []string{"first", "second"}, ran)
	assert.Equal(t, StatusFinished, c.Status())
	// The only traffic is the closing Return from Finish.
	require.Equal(t, 1, sender.count())
	ret := sender.messages()[0].(*asmv.Return)
	assert.True(t, ret.Close)
}

func TestStateMachineSuspendRecordsNextStage(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke())

	m := &StateMachine{
		Initial: "collect",
		States: map[string]StateFunc{
			"collect": func(ctx context.Context, c *Context) (string, error) {
				if err := SetStageData(c, []string{"Ada"}); err != nil {
					return "", err
				}
				if err := c.Suspend(ctx); err != nil {
					return "", err
				}
				return "reply", nil
			},
		},
	}

	require.NoError(t, m.Handler()(context.Background(), c))

	assert.Equal(t, StatusSuspended, c.Status())
	// Nothing was buffered, so suspending sent nothing.
	assert.Zero(t, sender.count())
	assert.JSONEq(t, `{"stage":"reply","data":["Ada"]}`, string(c.State()))
}

func TestStateMachineResumesAtRecordedStage(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())
	require.NoError(t, c.SetState(stageEnvelope{
		Stage: "reply",
		Data:  []byte(`["Ada"]`),
	}))

	var ran []string
	m := &StateMachine{
		Initial: "collect",
		States: map[string]StateFunc{
			"collect": func(ctx context.Context, c *Context) (string, error) {
				ran = append(ran, "collect")
				return "reply", nil
			},
			"reply": func(ctx context.Context, c *Context) (string, error) {
				ran = append(ran, "reply")
				names, err := StageData[[]string](c)
				require.NoError(t, err)
				assert.Equal(t, []string{"Ada"}, names)
				return "", c.Finish(ctx)
			},
		},
	}

	require.NoError(t, m.Handler()(context.Background(), c))

	// The initial stage is skipped when a stage was already recorded.
	assert.Equal(t, []string{"reply"}, ran)
	assert.Equal(t, StatusFinished, c.Status())
}

func TestStateMachineEmptyRecordedStageIsDone(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())
	require.NoError(t, c.SetState(stageEnvelope{Stage: ""}))

	m := &StateMachine{
		Initial: "collect",
		States: map[string]StateFunc{
			"collect": func(ctx context.Context, c *Context) (string, error) {
				t.Fatal("stage ran after the machine recorded completion")
				return "", nil
			},
		},
	}

	require.NoError(t, m.Handler()(context.Background(), c))
}

func TestStateMachineUnknownStage(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	m := &StateMachine{
		Initial: "first",
		States: map[string]StateFunc{
			"first": func(ctx context.Context, c *Context) (string, error) {
				return "nowhere", nil
			},
		},
	}

	err := m.Handler()(context.Background(), c)

	require.ErrorIs(t, err, ErrUnknownStage)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestStateMachineRequiresInitialStage(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	m := &StateMachine{States: map[string]StateFunc{}}

	assert.Error(t, m.Handler()(context.Background(), c))
}

func TestStateMachineStageErrorStopsRun(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	m := &StateMachine{
		Initial: "first",
		States: map[string]StateFunc{
			"first": func(ctx context.Context, c *Context) (string, error) {
				return "second", assert.AnError
			},
			"second": func(ctx context.Context, c *Context) (string, error) {
				t.Fatal("stage ran after a previous stage failed")
				return "", nil
			},
		},
	}

	require.ErrorIs(t, m.Handler()(context.Background(), c), assert.AnError)
}

func TestStateMachineStopsWhenCancelled(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	m := &StateMachine{
		Initial: "first",
		States: map[string]StateFunc{
			"first": func(ctx context.Context, c *Context) (string, error) {
				require.NoError(t, c.HandleIncomingMessage(ctx, &asmv.Cancel{}))
				return "second", nil
			},
			"second": func(ctx context.Context, c *Context) (string, error) {
				t.Fatal("stage ran after cancellation")
				return "", nil
			},
		},
	}

	require.ErrorIs(t, m.Handler()(context.Background(), c), ErrCancelled)
	assert.Equal(t, StatusCancelled, c.Status())
}

func TestStageDataRoundTrip(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())
	require.NoError(t, c.SetState(stageEnvelope{Stage: "collect"}))

	// Unset payload decodes to the zero value.
	empty, err := StageData[[]string](c)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, SetStageData(c, []string{"Ada", "Grace"}))

	names, err := StageData[[]string](c)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada", "Grace"}, names)
	// The stage survives payload updates.
	assert.JSONEq(t, `{"stage":"collect","data":["Ada","Grace"]}`, string(c.State()))
}
