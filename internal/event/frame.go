package event

import "encoding/json"

// Frame is one message on the push connection: a named channel plus the
// channel-specific payload, still raw so each consumer decodes only the
// channels it cares about.
type Frame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// NewFrame marshals payload into a frame for the given channel.
func NewFrame(channel string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Channel: channel, Payload: raw}, nil
}
