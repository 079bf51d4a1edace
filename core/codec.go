package core

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ContentTypeJSON is set as the content-type attribute of encoded messages.
const ContentTypeJSON = "application/json"

// AttrContentType is the attribute key carrying the body encoding.
const AttrContentType = "content-type"

// Marshal encodes msg for publishing. Outgoing values and raw byte slices pass
// through untouched, anything else is encoded as JSON.
func Marshal(msg any) ([]byte, map[string]string, error) {
	switch m := msg.(type) {
	case nil:
		return nil, nil, fmt.Errorf("json: nil message")
	case Outgoing:
		return m.Data, m.Attributes, nil
	case *Outgoing:
		if m == nil {
			return nil, nil, fmt.Errorf("json: nil message")
		}
		return m.Data, m.Attributes, nil
	case []byte:
		return m, nil, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("json: %w", err)
	}
	return data, map[string]string{AttrContentType: ContentTypeJSON}, nil
}

// Unmarshal decodes a JSON message body into v.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}

// Decode decodes the envelope body into a T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := Unmarshal(env.Data(), &v); err != nil {
		return v, fmt.Errorf("relay: decode message %q: %w", env.ID(), err)
	}
	return v, nil
}
