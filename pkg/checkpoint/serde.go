package checkpoint

import "encoding/json"

// Serializer encodes the auxiliary values a backend persists alongside
// a checkpoint (metadata, channel versions). Backends record Type()
// with each document so stored data remains decodable if the format
// ever changes.
//
// State payloads are not run through a Serializer: they arrive already
// serialized and are stored opaquely.
type Serializer interface {
	Dumps(v any) ([]byte, error)
	Loads(data []byte, v any) error

	// Type identifies the wire format, e.g. "json".
	Type() string
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

// Compile-time interface check.
var _ Serializer = JSONSerializer{}

// Dumps implements Serializer.
func (JSONSerializer) Dumps(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Loads implements Serializer.
func (JSONSerializer) Loads(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Type implements Serializer.
func (JSONSerializer) Type() string {
	return "json"
}

// NormalizeValue round-trips a value through the serializer, producing
// the canonical form a stored document would decode to. Filters are
// normalized this way before equality comparison so that, e.g., an int
// filter value matches a number that decoded as float64.
func NormalizeValue(serde Serializer, v any) (any, error) {
	data, err := serde.Dumps(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := serde.Loads(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
