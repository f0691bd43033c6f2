package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"ridedispatch/internal/service"
)

var errEmptyType = errors.New("message type is required")

// envelope is the frame shape in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var commandTypes = service.Commands()

// decodeCommand parses a {"type", "data"} frame into its typed command.
func decodeCommand(raw []byte) (service.Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, errEmptyType
	}

	newCmd, ok := commandTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	cmd := newCmd()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, cmd); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
	}
	return cmd, nil
}
