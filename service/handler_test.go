package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmvp/asmv-go"
)

// waitForSent blocks until the sender has recorded at least n messages.
func waitForSent(t *testing.T, sender *capturingSender, n int) []asmv.Message {
	t.Helper()
	require.Eventually(t, func() bool { return sender.count() >= n },
		time.Second, time.Millisecond)
	return sender.messages()
}

func TestGetInputsDrainsSeededValues(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John", "Jane"))

	values, err := c.GetInputs(context.Background(), "name", 2, time.Second)

	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.JSONEq(t, `"John"`, string(values[0]))
	assert.JSONEq(t, `"Jane"`, string(values[1]))
	// Everything was already there, so no request went out.
	assert.Zero(t, sender.count())
}

func TestGetInputsRequestsWhenEmpty(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke())

	done := make(chan []json.RawMessage, 1)
	go func() {
		values, err := c.GetInputs(context.Background(), "name", 1, time.Second)
		require.NoError(t, err)
		done <- values
	}()

	msgs := waitForSent(t, sender, 1)
	req, ok := msgs[0].(*asmv.RequestInput)
	require.True(t, ok)
	desc, ok := req.Inputs["name"]
	require.True(t, ok)
	assert.Equal(t, 1, desc.MinCount)

	require.NoError(t, c.HandleIncomingMessage(context.Background(), &asmv.ProvideInput{
		Inputs: []asmv.InputItem{{InputType: "name", Value: json.RawMessage(`"John"`)}},
	}))

	select {
	case values := <-done:
		require.Len(t, values, 1)
		assert.JSONEq(t, `"John"`, string(values[0]))
	case <-time.After(time.Second):
		t.Fatal("GetInputs did not return after the input arrived")
	}
}

func TestGetInputsReRequestsMissingRemainder(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	done := make(chan error, 1)
	go func() {
		values, err := c.GetInputs(context.Background(), "name", 2, 30*time.Millisecond)
		if err == nil && len(values) != 2 {
			err = assert.AnError
		}
		done <- err
	}()

	// One value was seeded; the second misses its window, which triggers a
	// repeated request naming only the remainder.
	msgs := waitForSent(t, sender, 1)
	req := msgs[0].(*asmv.RequestInput)
	assert.Equal(t, 1, req.Inputs["name"].MinCount)

	require.NoError(t, c.HandleIncomingMessage(context.Background(), &asmv.ProvideInput{
		Inputs: []asmv.InputItem{{InputType: "name", Value: json.RawMessage(`"Jane"`)}},
	}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("GetInputs did not finish")
	}
}

func TestGetInputsTimesOutAfterRepeatedRequest(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	_, err := c.GetInputs(context.Background(), "name", 2, 20*time.Millisecond)

	var timeoutErr *InputTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "name", timeoutErr.InputType)
	// The miss was re-requested exactly once before giving up.
	assert.Equal(t, 1, sender.count())
}

func TestGetInputsUnknownType(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke())

	_, err := c.GetInputs(context.Background(), "color", 1, time.Second)

	assert.True(t, asmv.IsErrorName(err, asmv.NameUnknownInputType))
}

func TestInputsDecodesValues(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	names, err := Inputs[string](context.Background(), c, "name", 1)

	require.NoError(t, err)
	assert.Equal(t, []string{"John"}, names)
}

func TestRequestUserConfirmationRoundTrip(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	done := make(chan *Confirmation, 1)
	go func() {
		conf, err := c.RequestUserConfirmation(context.Background(), "About to greet", time.Second)
		require.NoError(t, err)
		done <- conf
	}()

	msgs := waitForSent(t, sender, 1)
	req, ok := msgs[0].(*asmv.RequestUserConfirmation)
	require.True(t, ok)
	assert.Equal(t, "About to greet", req.Reason)
	require.NotEmpty(t, req.ReqID)

	require.NoError(t, c.HandleIncomingMessage(context.Background(),
		&asmv.ProvideUserConfirmation{ReqID: req.ReqID, ConfirmedBy: "Jane"}))

	select {
	case conf := <-done:
		assert.Equal(t, "Jane", conf.ConfirmedBy)
		assert.Equal(t, req.ReqID, conf.ReqID)
	case <-time.After(time.Second):
		t.Fatal("confirmation did not arrive")
	}
}

func TestStandingConfirmationSatisfiesFirstRequest(t *testing.T) {
	c, sender := newTestContext(t)
	inv := nameInvoke("John")
	inv.UserConfirmation = &asmv.UserConfirmation{ConfirmedBy: "Jane"}
	activate(t, c, inv)

	conf, err := c.RequestUserConfirmation(context.Background(), "About to greet", 50*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, "Jane", conf.ConfirmedBy)
	assert.Equal(t, "", conf.ReqID)
	// The request itself still goes out before the standing answer matches.
	assert.Equal(t, 1, sender.count())
}

func TestStandingConfirmationConsumedOnce(t *testing.T) {
	c, _ := newTestContext(t)
	inv := nameInvoke("John")
	inv.UserConfirmation = &asmv.UserConfirmation{ConfirmedBy: "Jane"}
	activate(t, c, inv)

	_, err := c.RequestUserConfirmation(context.Background(), "first", 50*time.Millisecond)
	require.NoError(t, err)

	_, err = c.RequestUserConfirmation(context.Background(), "second", 20*time.Millisecond)
	var timeoutErr *ConfirmationTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestRequestPaymentAuthorized(t *testing.T) {
	c, sender := newTestContext(t, WithAcceptedPaymentSchemas("basic-card"))
	activate(t, c, nameInvoke("John"))

	done := make(chan *PaymentAuthorization, 1)
	go func() {
		auth, err := c.RequestPayment(context.Background(), PaymentRequest{
			Amount:      250,
			Currency:    "EUR",
			Description: "Premium greeting",
		}, time.Second)
		require.NoError(t, err)
		done <- auth
	}()

	msgs := waitForSent(t, sender, 1)
	req, ok := msgs[0].(*asmv.RequestPayment)
	require.True(t, ok)
	assert.Equal(t, []string{"basic-card"}, req.AcceptedPaymentSchemas)
	assert.Equal(t, int64(250), req.Amount)

	require.NoError(t, c.HandleIncomingMessage(context.Background(), &asmv.AuthorizePayment{
		ReqID:         req.ReqID,
		PaymentSchema: "basic-card",
		PaymentID:     "pay-7",
		MaxAmount:     9999,
		Currency:      "USD",
		Token:         "tok-1",
	}))

	select {
	case auth := <-done:
		// The grant is capped by what was requested, whatever the agent sent.
		assert.Equal(t, int64(250), auth.MaxAmount)
		assert.Equal(t, "EUR", auth.Currency)
		assert.Equal(t, "pay-7", auth.PaymentID)
		assert.Equal(t, "tok-1", auth.Token)
	case <-time.After(time.Second):
		t.Fatal("authorization did not arrive")
	}
}

func TestRequestPaymentRejected(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestPayment(context.Background(), PaymentRequest{Amount: 100, Currency: "EUR"}, time.Second)
		done <- err
	}()

	msgs := waitForSent(t, sender, 1)
	req := msgs[0].(*asmv.RequestPayment)

	require.NoError(t, c.HandleIncomingMessage(context.Background(),
		&asmv.RejectPayment{ReqID: req.ReqID, Reason: "user declined"}))

	select {
	case err := <-done:
		var rejected *PaymentRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, "user declined", rejected.Reason)
	case <-time.After(time.Second):
		t.Fatal("rejection did not arrive")
	}
}

func TestRequestPaymentTimeout(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	_, err := c.RequestPayment(context.Background(), PaymentRequest{Amount: 100, Currency: "EUR"}, 20*time.Millisecond)

	var timeoutErr *PaymentTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestReturnDataValidatesAgainstSchema(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	err := c.ReturnData("greeting", 42)

	assert.True(t, asmv.IsErrorName(err, asmv.NameInvalidOutput))
	assert.Zero(t, c.pendingReturns())
}

func TestReturnDataSkipsValidationWhenDisabled(t *testing.T) {
	c, _ := newTestContext(t, WithValidateReturns(false))
	activate(t, c, nameInvoke("John"))

	require.NoError(t, c.ReturnData("greeting", 42))
	assert.Equal(t, 1, c.pendingReturns())
}

func TestReturnDataUnknownOutputType(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	err := c.ReturnData("farewell", "Bye")

	assert.True(t, asmv.IsErrorName(err, asmv.NameUnknownOutputType))
}

func TestFinishSendsBufferedItemsAndCloses(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))
	require.NoError(t, c.ReturnData("greeting", "Hello, John!", "Greeted John"))

	require.NoError(t, c.Finish(context.Background()))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	ret := msgs[0].(*asmv.Return)
	assert.True(t, ret.Close)
	require.Len(t, ret.Items, 1)
	out := ret.Items[0].(asmv.Output)
	assert.Equal(t, "greeting", out.OutputType)
	assert.Equal(t, "Greeted John", out.Summary)
	assert.Equal(t, StatusFinished, c.Status())
}

func TestFinishWithEmptyBufferStillCloses(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	require.NoError(t, c.Finish(context.Background()))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	ret := msgs[0].(*asmv.Return)
	assert.True(t, ret.Close)
	assert.NotNil(t, ret.Items)
	assert.Empty(t, ret.Items)
}

func TestFinishTwiceFails(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))
	require.NoError(t, c.Finish(context.Background()))

	assert.Error(t, c.Finish(context.Background()))
}

func TestReturnErrorReachesAgent(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	require.NoError(t, c.ReturnError("UnexpectedError", "Command execution failed", nil))
	require.NoError(t, c.Finish(context.Background()))

	ret := sender.messages()[0].(*asmv.Return)
	require.Len(t, ret.Items, 1)
	errItem, ok := ret.Items[0].(asmv.ErrorItem)
	require.True(t, ok)
	assert.Equal(t, "UnexpectedError", errItem.ErrorName)
}

func TestSuspendFlushesOnlyWhenPending(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	require.NoError(t, c.Suspend(context.Background()))
	assert.Equal(t, StatusSuspended, c.Status())
	// Nothing buffered, so nothing went out and the channel stays open.
	assert.Zero(t, sender.count())
}

func TestSuspendFlushesPendingWithoutClose(t *testing.T) {
	c, sender := newTestContext(t)
	activate(t, c, nameInvoke("John"))
	require.NoError(t, c.ReturnData("greeting", "partial"))

	require.NoError(t, c.Suspend(context.Background()))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	ret := msgs[0].(*asmv.Return)
	assert.False(t, ret.Close)
	assert.Len(t, ret.Items, 1)
}

func TestConfigProfileRequiresDeclaration(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	_, err := c.ConfigProfile("apiKey")

	assert.ErrorIs(t, err, ErrProfileNotRequired)
}

func TestSetStateRoundTrip(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))

	type progress struct {
		Step int `json:"step"`
	}
	require.NoError(t, c.SetState(progress{Step: 3}))

	var got progress
	require.NoError(t, c.StateInto(&got))
	assert.Equal(t, 3, got.Step)
	assert.JSONEq(t, `{"step":3}`, string(c.State()))
}

func TestUpcallsFailAfterFinish(t *testing.T) {
	c, _ := newTestContext(t)
	activate(t, c, nameInvoke("John"))
	require.NoError(t, c.Finish(context.Background()))

	_, err := c.RequestUserConfirmation(context.Background(), "too late", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotActive)

	err = c.ReturnData("greeting", "late output")
	assert.NoError(t, err) // buffering is allowed, sending is not
	assert.Error(t, c.Suspend(context.Background()))
}