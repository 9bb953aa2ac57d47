package asmv

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// inputItemSchema is shared by the Invoke and ProvideInput variants.
const inputItemSchema = `{
	"type": "object",
	"properties": {
		"inputType": {"type": "string", "minLength": 1},
		"value": {}
	},
	"required": ["inputType", "value"],
	"additionalProperties": false
}`

var messageSchemas = compileMessageSchemas()

func messageSchemaDocs() map[MessageType]string {
	return map[MessageType]string{
		MessageTypeInvoke: fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["Invoke"]},
				"configProfiles": {"type": "object"},
				"inputs": {"type": "array", "items": %s},
				"userConfirmation": {
					"type": "object",
					"properties": {"confirmedBy": {"type": "string", "minLength": 1}},
					"required": ["confirmedBy"],
					"additionalProperties": false
				}
			},
			"required": ["messageType"],
			"additionalProperties": false
		}`, inputItemSchema),

		MessageTypeRequestInput: `{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["RequestInput"]},
				"inputs": {
					"type": "object",
					"additionalProperties": {
						"type": "object",
						"properties": {
							"description": {"type": "object", "additionalProperties": {"type": "string"}},
							"schema": {"type": "object"},
							"required": {"type": "boolean"},
							"minCount": {"type": "integer", "minimum": 0}
						},
						"additionalProperties": false
					}
				}
			},
			"required": ["messageType", "inputs"],
			"additionalProperties": false
		}`,

		MessageTypeProvideInput: fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["ProvideInput"]},
				"inputs": {"type": "array", "items": %s},
				"seq": {"type": "integer"}
			},
			"required": ["messageType", "inputs"],
			"additionalProperties": false
		}`, inputItemSchema),

		MessageTypeReturn: `{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["Return"]},
				"items": {
					"type": "array",
					"items": {
						"oneOf": [
							{
								"type": "object",
								"properties": {
									"outputType": {"type": "string", "minLength": 1},
									"data": {},
									"summary": {"type": "string"}
								},
								"required": ["outputType", "data"],
								"additionalProperties": false
							},
							{
								"type": "object",
								"properties": {
									"errorName": {"type": "string", "minLength": 1},
									"description": {"type": "string"},
									"data": {}
								},
								"required": ["errorName", "description"],
								"additionalProperties": false
							}
						]
					}
				},
				"close": {"type": "boolean"},
				"seq": {"type": "integer"}
			},
			"required": ["messageType", "items"],
			"additionalProperties": false
		}`,

		MessageTypeCancel: `{
			"type": "object",
			"properties": {"messageType": {"enum": ["Cancel"]}},
			"required": ["messageType"],
			"additionalProperties": false
		}`,

		MessageTypeRequestUserConfirmation: `{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["RequestUserConfirmation"]},
				"reqId": {"type": "string", "minLength": 1},
				"reason": {"type": "string"}
			},
			"required": ["messageType", "reqId"],
			"additionalProperties": false
		}`,

		MessageTypeProvideUserConfirmation: `{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["ProvideUserConfirmation"]},
				"reqId": {"type": "string"},
				"confirmedBy": {"type": "string", "minLength": 1}
			},
			"required": ["messageType", "reqId", "confirmedBy"],
			"additionalProperties": false
		}`,

		MessageTypeRequestPayment: `{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["RequestPayment"]},
				"reqId": {"type": "string", "minLength": 1},
				"acceptedPaymentSchemas": {"type": "array", "items": {"type": "string"}, "minItems": 1},
				"amount": {"type": "integer", "minimum": 0},
				"currency": {"type": "string", "minLength": 1},
				"description": {"type": "string"}
			},
			"required": ["messageType", "reqId", "acceptedPaymentSchemas", "amount", "currency"],
			"additionalProperties": false
		}`,

		MessageTypeAuthorizePayment: `{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["AuthorizePayment"]},
				"reqId": {"type": "string", "minLength": 1},
				"paymentSchema": {"type": "string", "minLength": 1},
				"paymentId": {"type": "string", "minLength": 1},
				"maxAmount": {"type": "integer", "minimum": 0},
				"currency": {"type": "string", "minLength": 1},
				"token": {"type": "string"}
			},
			"required": ["messageType", "reqId", "paymentSchema", "paymentId", "maxAmount", "currency"],
			"additionalProperties": false
		}`,

		MessageTypeRejectPayment: `{
			"type": "object",
			"properties": {
				"messageType": {"enum": ["RejectPayment"]},
				"reqId": {"type": "string", "minLength": 1},
				"reason": {"type": "string"}
			},
			"required": ["messageType", "reqId"],
			"additionalProperties": false
		}`,
	}
}

func compileMessageSchemas() map[MessageType]*gojsonschema.Schema {
	docs := messageSchemaDocs()
	out := make(map[MessageType]*gojsonschema.Schema, len(docs))
	for t, doc := range docs {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		if err != nil {
			panic(fmt.Sprintf("asmv: compile %s schema: %v", t, err))
		}
		out[t] = schema
	}
	return out
}

// ValidateMessage checks a raw wire payload against the message schema for
// its declared variant and decodes it. An unknown or missing messageType,
// or any schema violation, yields a MessageError named InvalidMessage; the
// individual violations are attached as child errors.
func ValidateMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewInvalidMessage("malformed message body")
	}
	schema, ok := messageSchemas[env.MessageType]
	if !ok {
		return nil, NewInvalidMessage("Invalid message type")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, NewInvalidMessage(fmt.Sprintf("message validation failed: %v", err))
	}
	if !result.Valid() {
		return nil, NewInvalidMessage(
			fmt.Sprintf("invalid %s message", env.MessageType),
			SchemaViolations(NameInvalidMessage, result)...,
		)
	}
	return UnmarshalMessage(raw)
}

// SchemaViolations converts gojsonschema results into MessageError children
// with the given taxonomy name.
func SchemaViolations(name string, result *gojsonschema.Result) []*MessageError {
	violations := make([]*MessageError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		violations = append(violations, &MessageError{
			Name:    name,
			Message: re.Description(),
			Field:   re.Field(),
		})
	}
	return violations
}

// CompileSchema compiles a JSON schema given as a Go document (the form
// command and profile definitions carry their schemas in).
func CompileSchema(doc map[string]any) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
}
