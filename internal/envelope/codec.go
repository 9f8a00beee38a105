package envelope

import "encoding/json"

// marshalJSON/unmarshalJSON are split out so the envelope's payload
// encoding can be swapped independently of the framing in Encode/Decode
// without touching callers.
func marshalJSON(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalJSON(data []byte, e *Envelope) error {
	return json.Unmarshal(data, e)
}

// MarshalValue encodes an application-level value (request params,
// event payloads, streaming items) into the opaque Payload bytes.
// Values are JSON so streaming frames can carry a generic dynamic
// tree (spec §6.1) that a client deserializes into any concrete type.
func MarshalValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalValue decodes Payload bytes into v.
func UnmarshalValue(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
