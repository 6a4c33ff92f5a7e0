package bridge

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName selects JSON framing on bridge calls via
// grpc.CallContentSubtype. The runtime speaks the same encoding, which
// lets the payload shapes evolve without regenerating stubs on either
// side.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
