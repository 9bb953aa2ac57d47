package asmv

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a protocol message variant on the wire.
type MessageType string

const (
	MessageTypeInvoke                  MessageType = "Invoke"
	MessageTypeRequestInput            MessageType = "RequestInput"
	MessageTypeProvideInput            MessageType = "ProvideInput"
	MessageTypeReturn                  MessageType = "Return"
	MessageTypeCancel                  MessageType = "Cancel"
	MessageTypeRequestUserConfirmation MessageType = "RequestUserConfirmation"
	MessageTypeProvideUserConfirmation MessageType = "ProvideUserConfirmation"
	MessageTypeRequestPayment          MessageType = "RequestPayment"
	MessageTypeAuthorizePayment        MessageType = "AuthorizePayment"
	MessageTypeRejectPayment           MessageType = "RejectPayment"
)

// Message is the sum of all protocol message variants. Concrete variants
// are pointer types (*Invoke, *Return, ...), so a Message value can always
// be switched on and mutated in place before sending.
type Message interface {
	Type() MessageType
	isMessage()
}

// InputItem is a single typed input value, provided either inline on an
// Invoke or later via ProvideInput.
type InputItem struct {
	InputType string          `json:"inputType"`
	Value     json.RawMessage `json:"value"`
}

// UserConfirmation records who confirmed an invocation up front.
type UserConfirmation struct {
	ConfirmedBy string `json:"confirmedBy"`
}

// InputDescriptor describes one requested input type inside a RequestInput
// message. MinCount tells the agent how many more items of this type the
// service still needs.
type InputDescriptor struct {
	Description map[string]string `json:"description,omitempty"`
	Schema      map[string]any    `json:"schema,omitempty"`
	Required    bool              `json:"required,omitempty"`
	MinCount    int               `json:"minCount,omitempty"`
}

// Invoke opens a channel: agent -> service, carrying config profile values,
// zero or more initial inputs and an optional up-front user confirmation.
type Invoke struct {
	ConfigProfiles   map[string]json.RawMessage `json:"configProfiles,omitempty"`
	Inputs           []InputItem                `json:"inputs,omitempty"`
	UserConfirmation *UserConfirmation          `json:"userConfirmation,omitempty"`
}

// RequestInput asks the agent for more inputs: service -> agent.
type RequestInput struct {
	Inputs map[string]InputDescriptor `json:"inputs"`
}

// ProvideInput delivers additional inputs: agent -> service.
type ProvideInput struct {
	Inputs []InputItem `json:"inputs"`
	Seq    int64       `json:"seq,omitempty"`
}

// Return delivers buffered outputs and errors: service -> agent. Close
// marks the final Return of a channel.
type Return struct {
	Items []ReturnItem `json:"items"`
	Close bool         `json:"close,omitempty"`
	Seq   int64        `json:"seq,omitempty"`
}

// Cancel aborts the invocation: agent -> service.
type Cancel struct{}

// RequestUserConfirmation asks the agent's user to approve an action:
// service -> agent. Replies are correlated by ReqID.
type RequestUserConfirmation struct {
	ReqID  string `json:"reqId"`
	Reason string `json:"reason,omitempty"`
}

// ProvideUserConfirmation answers a confirmation request: agent -> service.
// A ReqID of "" is the standing confirmation synthesized from an Invoke
// that carried userConfirmation.
type ProvideUserConfirmation struct {
	ReqID       string `json:"reqId"`
	ConfirmedBy string `json:"confirmedBy"`
}

// RequestPayment asks the agent to authorize a payment: service -> agent.
// Amount is in minor currency units.
type RequestPayment struct {
	ReqID                  string   `json:"reqId"`
	AcceptedPaymentSchemas []string `json:"acceptedPaymentSchemas"`
	Amount                 int64    `json:"amount"`
	Currency               string   `json:"currency"`
	Description            string   `json:"description,omitempty"`
}

// AuthorizePayment grants a payment request: agent -> service. MaxAmount
// and Currency echo the request; Token is the schema-specific credential
// the service uses to capture the payment out of band.
type AuthorizePayment struct {
	ReqID         string `json:"reqId"`
	PaymentSchema string `json:"paymentSchema"`
	PaymentID     string `json:"paymentId"`
	MaxAmount     int64  `json:"maxAmount"`
	Currency      string `json:"currency"`
	Token         string `json:"token,omitempty"`
}

// RejectPayment declines a payment request: agent -> service.
type RejectPayment struct {
	ReqID  string `json:"reqId"`
	Reason string `json:"reason,omitempty"`
}

func (*Invoke) Type() MessageType                  { return MessageTypeInvoke }
func (*RequestInput) Type() MessageType            { return MessageTypeRequestInput }
func (*ProvideInput) Type() MessageType            { return MessageTypeProvideInput }
func (*Return) Type() MessageType                  { return MessageTypeReturn }
func (*Cancel) Type() MessageType                  { return MessageTypeCancel }
func (*RequestUserConfirmation) Type() MessageType { return MessageTypeRequestUserConfirmation }
func (*ProvideUserConfirmation) Type() MessageType { return MessageTypeProvideUserConfirmation }
func (*RequestPayment) Type() MessageType          { return MessageTypeRequestPayment }
func (*AuthorizePayment) Type() MessageType        { return MessageTypeAuthorizePayment }
func (*RejectPayment) Type() MessageType           { return MessageTypeRejectPayment }

func (*Invoke) isMessage()                  {}
func (*RequestInput) isMessage()            {}
func (*ProvideInput) isMessage()            {}
func (*Return) isMessage()                  {}
func (*Cancel) isMessage()                  {}
func (*RequestUserConfirmation) isMessage() {}
func (*ProvideUserConfirmation) isMessage() {}
func (*RequestPayment) isMessage()          {}
func (*AuthorizePayment) isMessage()        {}
func (*RejectPayment) isMessage()           {}

// ReturnItem is a single entry of a Return message: either an Output or an
// ErrorItem. On the wire the two are told apart by which of outputType or
// errorName is present.
type ReturnItem interface {
	isReturnItem()
}

// Output is a successful result item.
type Output struct {
	OutputType string          `json:"outputType"`
	Data       json.RawMessage `json:"data"`
	Summary    string          `json:"summary,omitempty"`
}

// ErrorItem reports a failure as part of a Return.
type ErrorItem struct {
	ErrorName   string          `json:"errorName"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (Output) isReturnItem()    {}
func (ErrorItem) isReturnItem() {}

// UnmarshalJSON decodes return items by field presence: entries with an
// errorName become ErrorItem, everything else Output.
func (r *Return) UnmarshalJSON(data []byte) error {
	var raw struct {
		Items []json.RawMessage `json:"items"`
		Close bool              `json:"close"`
		Seq   int64             `json:"seq"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Close = raw.Close
	r.Seq = raw.Seq
	r.Items = make([]ReturnItem, 0, len(raw.Items))
	for i, item := range raw.Items {
		var probe struct {
			ErrorName *string `json:"errorName"`
		}
		if err := json.Unmarshal(item, &probe); err != nil {
			return fmt.Errorf("return item %d: %w", i, err)
		}
		if probe.ErrorName != nil {
			var e ErrorItem
			if err := json.Unmarshal(item, &e); err != nil {
				return fmt.Errorf("return item %d: %w", i, err)
			}
			r.Items = append(r.Items, e)
		} else {
			var o Output
			if err := json.Unmarshal(item, &o); err != nil {
				return fmt.Errorf("return item %d: %w", i, err)
			}
			r.Items = append(r.Items, o)
		}
	}
	return nil
}

type envelope struct {
	MessageType MessageType `json:"messageType"`
}

// MarshalMessage encodes msg as a JSON object tagged with messageType.
func MarshalMessage(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("asmv: marshal nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("asmv: marshal %s: %w", msg.Type(), err)
	}
	out := []byte(fmt.Sprintf(`{"messageType":%q`, msg.Type()))
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func newMessage(t MessageType) (Message, bool) {
	switch t {
	case MessageTypeInvoke:
		return &Invoke{}, true
	case MessageTypeRequestInput:
		return &RequestInput{}, true
	case MessageTypeProvideInput:
		return &ProvideInput{}, true
	case MessageTypeReturn:
		return &Return{}, true
	case MessageTypeCancel:
		return &Cancel{}, true
	case MessageTypeRequestUserConfirmation:
		return &RequestUserConfirmation{}, true
	case MessageTypeProvideUserConfirmation:
		return &ProvideUserConfirmation{}, true
	case MessageTypeRequestPayment:
		return &RequestPayment{}, true
	case MessageTypeAuthorizePayment:
		return &AuthorizePayment{}, true
	case MessageTypeRejectPayment:
		return &RejectPayment{}, true
	}
	return nil, false
}

// UnmarshalMessage decodes a tagged message into its concrete variant. It
// performs no schema validation; inbound transport payloads should go
// through ValidateMessage instead.
func UnmarshalMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("asmv: unmarshal message: %w", err)
	}
	msg, ok := newMessage(env.MessageType)
	if !ok {
		return nil, NewInvalidMessage("Invalid message type")
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("asmv: unmarshal %s: %w", env.MessageType, err)
	}
	return msg, nil
}
