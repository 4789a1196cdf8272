// Package codec provides the DataConverter implementations used to encode
// execution inputs, signal arguments and results.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/petrijr/awaitflow/pkg/api"
)

const (
	NameMsgpack = "msgpack"
	NameJSON    = "json"
)

// Msgpack encodes payloads as MessagePack. It is the default converter.
type Msgpack struct{}

var _ api.DataConverter = Msgpack{}

func (Msgpack) Name() string { return NameMsgpack }

func (Msgpack) ToPayload(v any) (api.Payload, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack serialization failed: %w", err)
	}
	return data, nil
}

func (Msgpack) FromPayload(p api.Payload, ptr any) error {
	if err := msgpack.Unmarshal(p, ptr); err != nil {
		return fmt.Errorf("msgpack deserialization failed: %w", err)
	}
	return nil
}

// JSON encodes payloads as JSON, which keeps HTTP callers and stored
// history human-readable.
type JSON struct{}

var _ api.DataConverter = JSON{}

func (JSON) Name() string { return NameJSON }

func (JSON) ToPayload(v any) (api.Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json serialization failed: %w", err)
	}
	return data, nil
}

func (JSON) FromPayload(p api.Payload, ptr any) error {
	if err := json.Unmarshal(p, ptr); err != nil {
		return fmt.Errorf("json deserialization failed: %w", err)
	}
	return nil
}

// ByName returns the converter registered under name. Empty selects msgpack.
func ByName(name string) (api.DataConverter, error) {
	switch name {
	case "", NameMsgpack:
		return Msgpack{}, nil
	case NameJSON:
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
