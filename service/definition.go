package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/command"
	"github.com/asmvp/asmv-go/manifest"
)

// ErrDuplicateCommand is returned when a command name is registered twice.
var ErrDuplicateCommand = errors.New("duplicate command")

// ErrDuplicateProfile is returned when a config profile name is registered
// twice.
var ErrDuplicateProfile = errors.New("duplicate config profile")

// ErrUnknownCommand is returned when a lookup names a command the service
// does not expose.
var ErrUnknownCommand = errors.New("unknown command")

// registeredCommand pairs a command definition with the handler executing it.
type registeredCommand struct {
	def     *command.Definition
	handler Handler
}

// Definition describes one service: identity, declared config profiles and
// the commands it exposes with their handlers. A Definition is assembled at
// startup and read-only afterwards.
type Definition struct {
	name           string
	version        string
	description    map[string]string
	terms          map[string]string
	paymentSchemas []string

	profiles     map[string]*command.ConfigProfile
	profileOrder []string

	commands     map[string]*registeredCommand
	commandOrder []string
}

// DefinitionOption configures a service definition.
type DefinitionOption func(*Definition)

// WithServiceDescription adds a localized service description.
func WithServiceDescription(lang, text string) DefinitionOption {
	return func(d *Definition) { d.description[lang] = text }
}

// WithTerms adds a localized terms-of-service link or text.
func WithTerms(lang, text string) DefinitionOption {
	return func(d *Definition) { d.terms[lang] = text }
}

// WithPaymentSchemas declares the payment schemas the service accepts.
func WithPaymentSchemas(schemas ...string) DefinitionOption {
	return func(d *Definition) { d.paymentSchemas = schemas }
}

// NewDefinition creates a service definition. Version is the service's own
// semver, independent of the protocol version.
func NewDefinition(name, version string, opts ...DefinitionOption) *Definition {
	d := &Definition{
		name:        name,
		version:     version,
		description: make(map[string]string),
		terms:       make(map[string]string),
		profiles:    make(map[string]*command.ConfigProfile),
		commands:    make(map[string]*registeredCommand),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the service name.
func (d *Definition) Name() string { return d.name }

// Version returns the service version.
func (d *Definition) Version() string { return d.version }

// AcceptedPaymentSchemas returns the schemas declared with WithPaymentSchemas.
func (d *Definition) AcceptedPaymentSchemas() []string {
	out := make([]string, len(d.paymentSchemas))
	copy(out, d.paymentSchemas)
	return out
}

// AddConfigProfile declares a config profile the service understands.
func (d *Definition) AddConfigProfile(p *command.ConfigProfile) error {
	if _, exists := d.profiles[p.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProfile, p.Name())
	}
	d.profiles[p.Name()] = p
	d.profileOrder = append(d.profileOrder, p.Name())
	return nil
}

// ConfigProfiles returns the declared profiles in registration order.
func (d *Definition) ConfigProfiles() []*command.ConfigProfile {
	out := make([]*command.ConfigProfile, 0, len(d.profileOrder))
	for _, name := range d.profileOrder {
		out = append(out, d.profiles[name])
	}
	return out
}

// AddCommand exposes a command with the handler that executes it.
func (d *Definition) AddCommand(def *command.Definition, handler Handler) error {
	if _, exists := d.commands[def.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateCommand, def.Name())
	}
	d.commands[def.Name()] = &registeredCommand{def: def, handler: handler}
	d.commandOrder = append(d.commandOrder, def.Name())
	return nil
}

// Command looks up a registered command and its handler.
func (d *Definition) Command(name string) (*command.Definition, Handler, error) {
	reg, ok := d.commands[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return reg.def, reg.handler, nil
}

// Commands returns the registered command definitions in registration order.
func (d *Definition) Commands() []*command.Definition {
	out := make([]*command.Definition, 0, len(d.commandOrder))
	for _, name := range d.commandOrder {
		out = append(out, d.commands[name].def)
	}
	return out
}

// ContextOptions returns the context options a transport should apply when
// it builds a context for this service: the profile definitions for Invoke
// validation and the accepted payment schemas.
func (d *Definition) ContextOptions() []Option {
	return []Option{
		WithProfiles(d.ConfigProfiles()...),
		WithAcceptedPaymentSchemas(d.paymentSchemas...),
	}
}

// Manifest assembles the manifest document served at {baseURL}/manifest.json.
// Command endpoint URIs point at {baseURL}/invoke/{commandName}.
func (d *Definition) Manifest(baseURL string) *manifest.Manifest {
	base := strings.TrimRight(baseURL, "/")

	profiles := make([]manifest.ConfigProfileDescriptor, 0, len(d.profileOrder))
	for _, name := range d.profileOrder {
		profiles = append(profiles, d.profiles[name].Descriptor())
	}
	commands := make([]manifest.Command, 0, len(d.commandOrder))
	for _, name := range d.commandOrder {
		endpoint := fmt.Sprintf("%s/invoke/%s", base, name)
		commands = append(commands, d.commands[name].def.Descriptor(endpoint))
	}

	return &manifest.Manifest{
		Name:                   d.name,
		Version:                d.version,
		ProtocolVersion:        asmv.ProtocolVersion,
		Description:            d.description,
		Terms:                  d.terms,
		AcceptedPaymentSchemas: d.paymentSchemas,
		ConfigProfiles:         profiles,
		Commands:               commands,
	}
}
