package asmv

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel describes an established invocation channel: the pair of
// half-channels owned by the agent (client) and the service, the protocol
// version negotiated at invoke time and the command the channel carries.
//
// Each half-channel is an HTTP endpoint plus a bearer token. Messages for
// the service are POSTed to ServiceChannelURL authorized with
// ServiceChannelToken; messages for the agent travel the other way.
type Channel struct {
	ClientChannelID    string `json:"clientChannelId"`
	ClientChannelURL   string `json:"clientChannelUrl"`
	ClientChannelToken string `json:"clientChannelToken"`

	ServiceChannelID    string `json:"serviceChannelId,omitempty"`
	ServiceChannelURL   string `json:"serviceChannelUrl,omitempty"`
	ServiceChannelToken string `json:"serviceChannelToken,omitempty"`

	ProtocolVersion string `json:"protocolVersion"`
	CommandName     string `json:"commandName"`
}

// NewChannelID returns a fresh channel identifier.
func NewChannelID() string {
	return uuid.NewString()
}

// NewChannelToken returns a fresh channel bearer token.
func NewChannelToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
