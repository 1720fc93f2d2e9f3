package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/p2pclear/escrowd/pkg/escrow"
)

// Events travel the mesh in the same JSON envelope the WebSocket stream
// uses, so any subscriber can decode either feed with one codec.

func unmarshalEnvelope(data []byte) (escrow.Envelope, error) {
	var env escrow.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return escrow.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return escrow.Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}
