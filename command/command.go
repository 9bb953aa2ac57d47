// Package command describes what a service command accepts and produces:
// named, schema-validated input and output types, the config profiles the
// command requires and whether it demands an up-front user confirmation.
// Definitions drive runtime validation on the service context and the
// per-command descriptors in the service manifest.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	asmv "github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/manifest"
)

// ErrDuplicateType is returned when an input or output type name is
// registered twice on the same definition.
var ErrDuplicateType = errors.New("command: duplicate type name")

// IOType is one named input or output type of a command. When Schema is
// set, values of this type are validated against it; without a schema any
// JSON value passes. MinCount only applies to input types and tells agents
// how many items the command needs up front.
type IOType struct {
	Name        string
	Description map[string]string
	Schema      map[string]any
	Required    bool
	MinCount    int

	validator *gojsonschema.Schema
}

// Descriptor converts the type into its wire form for RequestInput
// messages, with minCount overridden to the number of items still needed.
func (t *IOType) Descriptor(minCount int) asmv.InputDescriptor {
	return asmv.InputDescriptor{
		Description: t.Description,
		Schema:      t.Schema,
		Required:    t.Required,
		MinCount:    minCount,
	}
}

func (t *IOType) validate(errName string, value json.RawMessage) error {
	if t.validator == nil {
		return nil
	}
	if value == nil {
		value = json.RawMessage("null")
	}
	result, err := t.validator.Validate(gojsonschema.NewBytesLoader(value))
	if err != nil {
		return &asmv.MessageError{
			Name:    errName,
			Field:   t.Name,
			Message: fmt.Sprintf("validate %q: %v", t.Name, err),
		}
	}
	if result.Valid() {
		return nil
	}
	return &asmv.MessageError{
		Name:     errName,
		Field:    t.Name,
		Message:  fmt.Sprintf("value does not match the %q schema", t.Name),
		Children: asmv.SchemaViolations(errName, result),
	}
}

// typeSet keeps IOTypes addressable by name and in registration order.
type typeSet struct {
	order []string
	types map[string]*IOType
}

func newTypeSet() *typeSet {
	return &typeSet{types: make(map[string]*IOType)}
}

func (s *typeSet) add(t IOType) error {
	if _, exists := s.types[t.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateType, t.Name)
	}
	if t.Schema != nil {
		validator, err := asmv.CompileSchema(t.Schema)
		if err != nil {
			return fmt.Errorf("command: compile schema for %q: %w", t.Name, err)
		}
		t.validator = validator
	}
	s.order = append(s.order, t.Name)
	s.types[t.Name] = &t
	return nil
}

func (s *typeSet) get(name string) (*IOType, bool) {
	t, ok := s.types[name]
	return t, ok
}

func (s *typeSet) list() []*IOType {
	out := make([]*IOType, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.types[name])
	}
	return out
}

// Definition is an immutable command description, except for the explicit
// AddInputType/AddOutputType builder operations used during registration.
type Definition struct {
	name                     string
	description              map[string]string
	requiredConfigProfiles   []string
	requiresUserConfirmation bool

	inputs  *typeSet
	outputs *typeSet
}

// Option configures a Definition at construction.
type Option func(*Definition)

// WithDescription adds a human-readable description in the given language.
func WithDescription(lang, text string) Option {
	return func(d *Definition) { d.description[lang] = text }
}

// WithRequiredConfigProfiles declares the config profiles an Invoke must
// carry for this command.
func WithRequiredConfigProfiles(names ...string) Option {
	return func(d *Definition) {
		d.requiredConfigProfiles = append(d.requiredConfigProfiles, names...)
	}
}

// WithUserConfirmation marks the command as requiring an up-front user
// confirmation.
func WithUserConfirmation() Option {
	return func(d *Definition) { d.requiresUserConfirmation = true }
}

// New builds a command definition.
func New(name string, opts ...Option) *Definition {
	d := &Definition{
		name:        name,
		description: make(map[string]string),
		inputs:      newTypeSet(),
		outputs:     newTypeSet(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddInputType registers an input type. The name must be unique among the
// command's input types and the schema, when present, must compile.
func (d *Definition) AddInputType(t IOType) error {
	return d.inputs.add(t)
}

// AddOutputType registers an output type.
func (d *Definition) AddOutputType(t IOType) error {
	return d.outputs.add(t)
}

// Name returns the command name used in invoke URLs and manifests.
func (d *Definition) Name() string { return d.name }

// Description returns the per-language descriptions.
func (d *Definition) Description() map[string]string { return d.description }

// RequiredConfigProfiles lists the profiles an Invoke must supply.
func (d *Definition) RequiredConfigProfiles() []string {
	return append([]string(nil), d.requiredConfigProfiles...)
}

// RequiresConfigProfile reports whether the named profile is required.
func (d *Definition) RequiresConfigProfile(name string) bool {
	for _, p := range d.requiredConfigProfiles {
		if p == name {
			return true
		}
	}
	return false
}

// RequiresUserConfirmation reports whether invokes need a confirmation.
func (d *Definition) RequiresUserConfirmation() bool {
	return d.requiresUserConfirmation
}

// InputType looks up an input type by name.
func (d *Definition) InputType(name string) (*IOType, bool) {
	return d.inputs.get(name)
}

// OutputType looks up an output type by name.
func (d *Definition) OutputType(name string) (*IOType, bool) {
	return d.outputs.get(name)
}

// HasInputType reports whether the named input type exists.
func (d *Definition) HasInputType(name string) bool {
	_, ok := d.inputs.get(name)
	return ok
}

// InputTypes lists input types in registration order.
func (d *Definition) InputTypes() []*IOType { return d.inputs.list() }

// OutputTypes lists output types in registration order.
func (d *Definition) OutputTypes() []*IOType { return d.outputs.list() }

// ValidateInput checks a raw input value against the named input type.
// Unknown names fail with UnknownInputType, schema violations with
// InvalidInput carrying one child error per violation.
func (d *Definition) ValidateInput(name string, value json.RawMessage) error {
	t, ok := d.inputs.get(name)
	if !ok {
		return &asmv.MessageError{
			Name:    asmv.NameUnknownInputType,
			Field:   name,
			Message: fmt.Sprintf("command %q has no input type %q", d.name, name),
		}
	}
	return t.validate(asmv.NameInvalidInput, value)
}

// ValidateOutput checks a raw output value against the named output type.
func (d *Definition) ValidateOutput(name string, value json.RawMessage) error {
	t, ok := d.outputs.get(name)
	if !ok {
		return &asmv.MessageError{
			Name:    asmv.NameUnknownOutputType,
			Field:   name,
			Message: fmt.Sprintf("command %q has no output type %q", d.name, name),
		}
	}
	return t.validate(asmv.NameInvalidOutput, value)
}

// Descriptor assembles the manifest entry for this command, served under
// the given invoke endpoint URI.
func (d *Definition) Descriptor(endpointURI string) manifest.Command {
	toDescriptors := func(types []*IOType) map[string]manifest.TypeDescriptor {
		out := make(map[string]manifest.TypeDescriptor, len(types))
		for _, t := range types {
			out[t.Name] = manifest.TypeDescriptor{
				Description: t.Description,
				Schema:      t.Schema,
				Required:    t.Required,
				MinCount:    t.MinCount,
			}
		}
		return out
	}
	return manifest.Command{
		CommandName:              d.name,
		Description:              d.description,
		EndpointURI:              endpointURI,
		RequiredConfigProfiles:   d.RequiredConfigProfiles(),
		RequiresUserConfirmation: d.requiresUserConfirmation,
		InputTypes:               toDescriptors(d.InputTypes()),
		OutputTypes:              toDescriptors(d.OutputTypes()),
	}
}
