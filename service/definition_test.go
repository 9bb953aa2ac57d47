package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/command"
)

func nopHandler(ctx context.Context, c *Context) error { return c.Finish(ctx) }

func TestDefinitionRejectsDuplicates(t *testing.T) {
	def := NewDefinition("greeting-service", "1.0.0")

	require.NoError(t, def.AddCommand(greetCommand(t), nopHandler))
	err := def.AddCommand(greetCommand(t), nopHandler)
	assert.ErrorIs(t, err, ErrDuplicateCommand)

	require.NoError(t, def.AddConfigProfile(apiKeyProfile(t)))
	err = def.AddConfigProfile(apiKeyProfile(t))
	assert.ErrorIs(t, err, ErrDuplicateProfile)
}

func TestDefinitionCommandLookup(t *testing.T) {
	def := NewDefinition("greeting-service", "1.0.0")
	cmd := greetCommand(t)
	require.NoError(t, def.AddCommand(cmd, nopHandler))

	got, handler, err := def.Command("greeting")
	require.NoError(t, err)
	assert.Same(t, cmd, got)
	assert.NotNil(t, handler)

	_, _, err = def.Command("missing")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDefinitionManifestShape(t *testing.T) {
	def := NewDefinition("greeting-service", "1.0.0",
		WithServiceDescription("en", "Greets people"),
		WithTerms("en", "https://example.com/terms"),
		WithPaymentSchemas("demo+token"))
	require.NoError(t, def.AddConfigProfile(apiKeyProfile(t)))
	require.NoError(t, def.AddCommand(greetCommand(t), nopHandler))

	// The trailing slash must not double up in endpoint URIs.
	m := def.Manifest("https://svc.example.com/")

	assert.Equal(t, "greeting-service", m.Name)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Equal(t, asmv.ProtocolVersion, m.ProtocolVersion)
	assert.Equal(t, "Greets people", m.Description["en"])
	assert.Equal(t, []string{"demo+token"}, m.AcceptedPaymentSchemas)
	require.Len(t, m.ConfigProfiles, 1)
	assert.Equal(t, "apiKey", m.ConfigProfiles[0].Name)
	require.Len(t, m.Commands, 1)
	assert.Equal(t, "greeting", m.Commands[0].CommandName)
	assert.Equal(t, "https://svc.example.com/invoke/greeting", m.Commands[0].EndpointURI)
}

func TestDefinitionOrdersByRegistration(t *testing.T) {
	def := NewDefinition("greeting-service", "1.0.0")
	second := command.New("farewell", command.WithDescription("en", "Says goodbye"))
	require.NoError(t, def.AddCommand(greetCommand(t), nopHandler))
	require.NoError(t, def.AddCommand(second, nopHandler))

	cmds := def.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "greeting", cmds[0].Name())
	assert.Equal(t, "farewell", cmds[1].Name())
}
