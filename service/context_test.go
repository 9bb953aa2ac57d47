package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/command"
)

// capturingSender records sent messages and pops one scripted error per call.
type capturingSender struct {
	mu   sync.Mutex
	sent []asmv.Message
	errs []error
}

func (s *capturingSender) Send(ctx context.Context, msg asmv.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *capturingSender) messages() []asmv.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]asmv.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *capturingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *capturingSender) fail(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

// greetCommand is the fixture used across the package tests: one required
// string input, one string output.
func greetCommand(t *testing.T, opts ...command.Option) *command.Definition {
	t.Helper()
	cmd := command.New("greeting", append([]command.Option{
		command.WithDescription("en", "Greets the user"),
	}, opts...)...)
	require.NoError(t, cmd.AddInputType(command.IOType{
		Name:        "name",
		Description: map[string]string{"en": "Name of the person to greet"},
		Schema:      map[string]any{"type": "string"},
		Required:    true,
		MinCount:    1,
	}))
	require.NoError(t, cmd.AddOutputType(command.IOType{
		Name:   "greeting",
		Schema: map[string]any{"type": "string"},
	}))
	return cmd
}

func apiKeyProfile(t *testing.T) *command.ConfigProfile {
	t.Helper()
	p, err := command.NewConfigProfile("apiKey", command.ScopeUser,
		command.WithProfileSchema(map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": map[string]any{"type": "string"}},
			"required":   []any{"key"},
		}))
	require.NoError(t, err)
	return p
}

func testChannel() asmv.Channel {
	return asmv.Channel{
		ClientChannelID:     "client-1",
		ClientChannelURL:    "https://agent.example.com/channel/client-1",
		ClientChannelToken:  "client-token",
		ServiceChannelID:    "svc-1",
		ServiceChannelURL:   "https://service.example.com/channel/svc-1",
		ServiceChannelToken: "svc-token",
		ProtocolVersion:     asmv.ProtocolVersion,
		CommandName:         "greeting",
	}
}

func newTestContext(t *testing.T, opts ...Option) (*Context, *capturingSender) {
	t.Helper()
	sender := &capturingSender{}
	return New(greetCommand(t), testChannel(), sender, opts...), sender
}

func nameInvoke(values ...string) *asmv.Invoke {
	inv := &asmv.Invoke{}
	for _, v := range values {
		data, _ := json.Marshal(v)
		inv.Inputs = append(inv.Inputs, asmv.InputItem{InputType: "name", Value: data})
	}
	return inv
}

// activate pushes a valid Invoke and asserts the context went Active.
func activate(t *testing.T, c *Context, inv *asmv.Invoke) {
	t.Helper()
	require.NoError(t, c.HandleIncomingMessage(context.Background(), inv))
	require.Equal(t, StatusActive, c.Status())
}

func TestNewContextStartsInitialized(t *testing.T) {
	c, _ := newTestContext(t)
	assert.Equal(t, StatusInitialized, c.Status())
	assert.Equal(t, "greeting", c.Command().Name())
	assert.Equal(t, "svc-1", c.Channel().ServiceChannelID)
}

func TestDispatchRejectsInputBeforeInvoke(t *testing.T) {
	c, _ := newTestContext(t)

	err := c.HandleIncomingMessage(context.Background(), &asmv.ProvideInput{})

	assert.True(t, asmv.IsErrorName(err, asmv.NameUnexpectedMessage))
	assert.Equal(t, StatusInitialized, c.Status())
}

func TestInvokeActivatesAndSeedsInputs(t *testing.T) {
	c, _ := newTestContext(t)

	activate(t, c, nameInvoke("John"))

	values, err := c.GetInputs(context.Background(), "name", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.JSONEq(t, `"John"`, string(values[0]))
}

func TestInvokeRejectsSecondInvoke(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	err := c.HandleIncomingMessage(context.Background(), nameInvoke("Jane"))

	assert.True(t, asmv.IsErrorName(err, asmv.NameUnexpectedMessage))
	assert.Equal(t, StatusActive, c.Status())
}

func TestInvokeMissingRequiredProfile(t *testing.T) {
	cmd := greetCommand(t, command.WithRequiredConfigProfiles("apiKey"))
	sender := &capturingSender{}
	c := New(cmd, testChannel(), sender, WithProfiles(apiKeyProfile(t)))

	err := c.HandleIncomingMessage(context.Background(), nameInvoke("John"))

	var merr *asmv.MessageError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, asmv.NameInvalidMessage, merr.Name)
	require.Len(t, merr.Children, 1)
	assert.Equal(t, asmv.NameMissingConfigProfile, merr.Children[0].Name)
	assert.Equal(t, "apiKey", merr.Children[0].Field)
	assert.Equal(t, StatusInitialized, c.Status())
}

func TestInvokeCollectsAllViolations(t *testing.T) {
	cmd := greetCommand(t, command.WithRequiredConfigProfiles("apiKey"))
	sender := &capturingSender{}
	c := New(cmd, testChannel(), sender, WithProfiles(apiKeyProfile(t)))

	// Missing required profile, an unknown profile and a bad input value.
	inv := &asmv.Invoke{
		ConfigProfiles: map[string]json.RawMessage{
			"mystery": json.RawMessage(`{}`),
		},
		Inputs: []asmv.InputItem{
			{InputType: "name", Value: json.RawMessage(`42`)},
		},
	}
	err := c.HandleIncomingMessage(context.Background(), inv)

	var merr *asmv.MessageError
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Children, 3)
	names := make([]string, len(merr.Children))
	for i, child := range merr.Children {
		names[i] = child.Name
	}
	assert.Contains(t, names, asmv.NameMissingConfigProfile)
	assert.Contains(t, names, asmv.NameUnknownConfigProfile)
	assert.Contains(t, names, asmv.NameInvalidInput)
	assert.Equal(t, StatusInitialized, c.Status())
}

func TestInvokeValidatesProfileSchema(t *testing.T) {
	cmd := greetCommand(t, command.WithRequiredConfigProfiles("apiKey"))
	sender := &capturingSender{}
	c := New(cmd, testChannel(), sender, WithProfiles(apiKeyProfile(t)))

	inv := nameInvoke("John")
	inv.ConfigProfiles = map[string]json.RawMessage{
		"apiKey": json.RawMessage(`{"key": 7}`),
	}
	err := c.HandleIncomingMessage(context.Background(), inv)

	var merr *asmv.MessageError
	require.ErrorAs(t, err, &merr)
	require.NotEmpty(t, merr.Children)
	assert.Equal(t, asmv.NameInvalidConfigProfile, merr.Children[0].Name)
}

func TestInvokeStoresProfileValues(t *testing.T) {
	cmd := greetCommand(t, command.WithRequiredConfigProfiles("apiKey"))
	sender := &capturingSender{}
	c := New(cmd, testChannel(), sender, WithProfiles(apiKeyProfile(t)))

	inv := nameInvoke("John")
	inv.ConfigProfiles = map[string]json.RawMessage{
		"apiKey": json.RawMessage(`{"key":"s3cr3t"}`),
	}
	require.NoError(t, c.HandleIncomingMessage(context.Background(), inv))

	type apiKey struct {
		Key string `json:"key"`
	}
	got, err := Profile[apiKey](c, "apiKey")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got.Key)
}

func TestProvideInputFailFast(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	err := c.HandleIncomingMessage(context.Background(), &asmv.ProvideInput{
		Inputs: []asmv.InputItem{
			{InputType: "name", Value: json.RawMessage(`"ok"`)},
			{InputType: "name", Value: json.RawMessage(`13`)},
		},
	})

	assert.True(t, asmv.IsErrorName(err, asmv.NameInvalidInput))
	// Nothing from the rejected message may be buffered.
	assert.Zero(t, c.inputs.Len())
}

func TestProvideInputRejectsUnknownType(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	err := c.HandleIncomingMessage(context.Background(), &asmv.ProvideInput{
		Inputs: []asmv.InputItem{{InputType: "color", Value: json.RawMessage(`"red"`)}},
	})

	assert.Error(t, err)
}

func TestProvideInputBufferFull(t *testing.T) {
	c, _ := newTestContext(t, WithQueueCapacity(2))
	activate(t, c, nameInvoke("a", "b"))

	err := c.HandleIncomingMessage(context.Background(), &asmv.ProvideInput{
		Inputs: []asmv.InputItem{{InputType: "name", Value: json.RawMessage(`"c"`)}},
	})

	assert.ErrorIs(t, err, ErrBufferFull)
}

func TestControlMessagesQueueWhileActive(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	require.NoError(t, c.HandleIncomingMessage(context.Background(),
		&asmv.ProvideUserConfirmation{ReqID: "r1", ConfirmedBy: "Jane"}))
	require.NoError(t, c.HandleIncomingMessage(context.Background(),
		&asmv.RejectPayment{ReqID: "p1", Reason: "declined"}))

	assert.Equal(t, 2, c.messages.Len())
}

func TestCancelDropsBufferedReturns(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))
	require.NoError(t, c.ReturnData("greeting", "Hello, John!"))

	require.NoError(t, c.HandleIncomingMessage(context.Background(), &asmv.Cancel{}))

	assert.Equal(t, StatusCancelled, c.Status())
	// The buffered item is gone and nothing was sent.
	assert.Zero(t, sender.count())
	err := c.Finish(context.Background())
	assert.Error(t, err)
	assert.Zero(t, sender.count())
}

func TestCancelWakesBlockedHandler(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	done := make(chan error, 1)
	go func() {
		_, err := c.GetInputs(context.Background(), "name", 1, time.Second)
		done <- err
	}()
	// Give the handler a moment to block on the input wait.
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, c.HandleIncomingMessage(context.Background(), &asmv.Cancel{}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("blocked handler was not woken by cancel")
	}
}

func TestCancelIsTerminal(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))
	require.NoError(t, c.HandleIncomingMessage(context.Background(), &asmv.Cancel{}))

	err := c.HandleIncomingMessage(context.Background(), &asmv.ProvideInput{
		Inputs: []asmv.InputItem{{InputType: "name", Value: json.RawMessage(`"x"`)}},
	})

	assert.ErrorIs(t, err, ErrNotActive)
}

func TestIncomingMessageFlushesPendingReturns(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))
	require.NoError(t, c.ReturnData("greeting", "Hello, John!"))

	require.NoError(t, c.HandleIncomingMessage(context.Background(),
		&asmv.ProvideUserConfirmation{ReqID: "r1", ConfirmedBy: "Jane"}))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	ret, ok := msgs[0].(*asmv.Return)
	require.True(t, ok)
	assert.False(t, ret.Close)
	require.Len(t, ret.Items, 1)
	out, ok := ret.Items[0].(asmv.Output)
	require.True(t, ok)
	assert.Equal(t, "greeting", out.OutputType)
	assert.Equal(t, int64(1), ret.Seq)
}

func TestFlushFailureKeepsItemsInOrder(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))
	require.NoError(t, c.ReturnData("greeting", "first"))
	require.NoError(t, c.ReturnData("greeting", "second"))

	sender.fail(assert.AnError)
	err := c.flushReturns(context.Background(), false)
	require.Error(t, err)

	// The retry sends both items, oldest first, with the same sequence.
	require.NoError(t, c.flushReturns(context.Background(), false))
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	ret := msgs[0].(*asmv.Return)
	require.Len(t, ret.Items, 2)
	first := ret.Items[0].(asmv.Output)
	second := ret.Items[1].(asmv.Output)
	assert.JSONEq(t, `"first"`, string(first.Data))
	assert.JSONEq(t, `"second"`, string(second.Data))
	assert.Equal(t, int64(1), ret.Seq)
}

func TestReturnSequenceIncrements(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	require.NoError(t, c.ReturnData("greeting", "one"))
	require.NoError(t, c.flushReturns(context.Background(), false))
	require.NoError(t, c.ReturnData("greeting", "two"))
	require.NoError(t, c.flushReturns(context.Background(), false))

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].(*asmv.Return).Seq)
	assert.Equal(t, int64(2), msgs[1].(*asmv.Return).Seq)
}

func TestDisposeWakesConsumersEmpty(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	done := make(chan error, 1)
	go func() {
		_, err := c.GetInputs(context.Background(), "name", 1, time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	c.Dispose()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispose did not wake the blocked wait")
	}
	// Idempotent.
	c.Dispose()
}

func TestObserverSeesLifecycle(t *testing.T) {
	obs := &lifecycleObserver{}
	sender := &capturingSender{}
	c := New(greetCommand(t), testChannel(), sender, WithObserver(obs))

	require.NoError(t, c.HandleIncomingMessage(context.Background(), nameInvoke("John")))
	require.NoError(t, c.Finish(context.Background()))
	c.Dispose()

	assert.Equal(t, 1, obs.counts("message"))
	assert.Equal(t, 1, obs.counts("finish"))
	assert.Equal(t, 1, obs.counts("dispose"))
}

// lifecycleObserver counts observer callbacks by kind.
type lifecycleObserver struct {
	mu     sync.Mutex
	events map[string]int
	errs   []error
}

func (o *lifecycleObserver) bump(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		o.events = make(map[string]int)
	}
	o.events[kind]++
}

func (o *lifecycleObserver) counts(kind string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[kind]
}

func (o *lifecycleObserver) errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]error, len(o.errs))
	copy(out, o.errs)
	return out
}

func (o *lifecycleObserver) OnMessage(asmv.Message) { o.bump("message") }
func (o *lifecycleObserver) OnCancel()              { o.bump("cancel") }
func (o *lifecycleObserver) OnSuspend()             { o.bump("suspend") }
func (o *lifecycleObserver) OnFinish()              { o.bump("finish") }
func (o *lifecycleObserver) OnDispose()             { o.bump("dispose") }
func (o *lifecycleObserver) OnError(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
	o.bump("error")
}
