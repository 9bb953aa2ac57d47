// Package manifest defines the service manifest document served at
// /manifest.json: the machine-readable description agents read to discover
// a service's commands, config profiles and payment capabilities before
// invoking anything.
package manifest

// Manifest is the top-level document.
type Manifest struct {
	Name                   string                    `json:"name"`
	Version                string                    `json:"version"`
	ProtocolVersion        string                    `json:"protocolVersion"`
	Description            map[string]string         `json:"description,omitempty"`
	Terms                  map[string]string         `json:"terms,omitempty"`
	AcceptedPaymentSchemas []string                  `json:"acceptedPaymentSchemas,omitempty"`
	ConfigProfiles         []ConfigProfileDescriptor `json:"configProfiles,omitempty"`
	Commands               []Command                 `json:"commands"`
}

// Command describes one invokable command and where to invoke it.
type Command struct {
	CommandName              string                    `json:"commandName"`
	Description              map[string]string         `json:"description,omitempty"`
	EndpointURI              string                    `json:"endpointUri"`
	RequiredConfigProfiles   []string                  `json:"requiredConfigProfiles,omitempty"`
	RequiresUserConfirmation bool                      `json:"requiresUserConfirmation,omitempty"`
	InputTypes               map[string]TypeDescriptor `json:"inputTypes,omitempty"`
	OutputTypes              map[string]TypeDescriptor `json:"outputTypes,omitempty"`
}

// ConfigProfileDescriptor describes a config profile a service understands,
// including where a user can go to set it up.
type ConfigProfileDescriptor struct {
	Name        string            `json:"name"`
	Scope       string            `json:"scope"`
	SetupURI    string            `json:"setupUri,omitempty"`
	Description map[string]string `json:"description,omitempty"`
	Schema      map[string]any    `json:"schema,omitempty"`
}

// TypeDescriptor describes one input or output type of a command.
type TypeDescriptor struct {
	Description map[string]string `json:"description,omitempty"`
	Schema      map[string]any    `json:"schema,omitempty"`
	Required    bool              `json:"required,omitempty"`
	MinCount    int               `json:"minCount,omitempty"`
}
