package statestore

import (
	"encoding/json"

	"github.com/asmvp/asmv-go"
)

// sampleRecord builds a record with a populated channel and a compact JSON
// state blob. Key order in the blob is deliberate: stores must preserve the
// state bytes exactly, not re-encode them.
func sampleRecord() Record {
	return Record{
		Channel: asmv.Channel{
			ClientChannelID:    "client-chan-1",
			ClientChannelURL:   "https://client.example.com/channel/client-chan-1",
			ClientChannelToken: "client-token",
			ServiceChannelID:   "svc-chan-1",
			ServiceChannelURL:  "https://service.example.com/channel/svc-chan-1",
			ProtocolVersion:    asmv.ProtocolVersion,
			CommandName:        "greet",
		},
		State: json.RawMessage(`{"zeta":1,"alpha":"two","mid":[3,4]}`),
	}
}
