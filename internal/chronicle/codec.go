package chronicle

import "encoding/json"

// decodeRaw turns an op's raw payload into the generic representation every
// replica shares. Decode failures yield nil; the op algebra stays total.
func decodeRaw(raw json.RawMessage) any {
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Decode re-marshals a generic document value into a typed struct. The deck
// layer uses it to lift stored placements and tokens back into their types.
func Decode(value any, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Encode normalizes a typed value into the generic document representation.
func Encode(value any) (any, error) { return normalize(value) }
