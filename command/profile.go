package command

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	asmv "github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/manifest"
)

// Scope says who a config profile belongs to.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeOrganization Scope = "organization"
)

// ConfigProfile is a named, schema-validated configuration document a
// service expects agents to supply at invoke time. The SetupURI points the
// user at a place to provision the profile (an account page, an API key
// console).
type ConfigProfile struct {
	name        string
	scope       Scope
	setupURI    string
	description map[string]string
	schema      map[string]any
	validator   *gojsonschema.Schema
}

// ProfileOption configures a ConfigProfile at construction.
type ProfileOption func(*ConfigProfile)

// WithProfileDescription adds a description in the given language.
func WithProfileDescription(lang, text string) ProfileOption {
	return func(p *ConfigProfile) { p.description[lang] = text }
}

// WithSetupURI sets where users provision this profile.
func WithSetupURI(uri string) ProfileOption {
	return func(p *ConfigProfile) { p.setupURI = uri }
}

// WithProfileSchema sets the JSON schema profile values must satisfy.
func WithProfileSchema(doc map[string]any) ProfileOption {
	return func(p *ConfigProfile) { p.schema = doc }
}

// NewConfigProfile builds a profile definition. It fails when the profile
// schema does not compile.
func NewConfigProfile(name string, scope Scope, opts ...ProfileOption) (*ConfigProfile, error) {
	p := &ConfigProfile{
		name:        name,
		scope:       scope,
		description: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.schema != nil {
		validator, err := asmv.CompileSchema(p.schema)
		if err != nil {
			return nil, fmt.Errorf("command: compile schema for profile %q: %w", name, err)
		}
		p.validator = validator
	}
	return p, nil
}

// Name returns the profile name.
func (p *ConfigProfile) Name() string { return p.name }

// Scope returns the profile scope.
func (p *ConfigProfile) Scope() Scope { return p.scope }

// Validate checks a raw profile value against the profile schema. Failures
// are reported as InvalidConfigProfile with one child per violation.
func (p *ConfigProfile) Validate(value json.RawMessage) error {
	if p.validator == nil {
		return nil
	}
	if value == nil {
		value = json.RawMessage("null")
	}
	result, err := p.validator.Validate(gojsonschema.NewBytesLoader(value))
	if err != nil {
		return &asmv.MessageError{
			Name:    asmv.NameInvalidConfigProfile,
			Field:   p.name,
			Message: fmt.Sprintf("validate profile %q: %v", p.name, err),
		}
	}
	if result.Valid() {
		return nil
	}
	return &asmv.MessageError{
		Name:     asmv.NameInvalidConfigProfile,
		Field:    p.name,
		Message:  fmt.Sprintf("value does not match the %q profile schema", p.name),
		Children: asmv.SchemaViolations(asmv.NameInvalidConfigProfile, result),
	}
}

// Descriptor assembles the manifest entry for this profile.
func (p *ConfigProfile) Descriptor() manifest.ConfigProfileDescriptor {
	return manifest.ConfigProfileDescriptor{
		Name:        p.name,
		Scope:       string(p.scope),
		SetupURI:    p.setupURI,
		Description: p.description,
		Schema:      p.schema,
	}
}
