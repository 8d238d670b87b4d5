package messaging

import (
	"encoding/json"
	"fmt"
)

// Encodable lets a value choose its own wire form.
type Encodable interface {
	ToEncodable() any
}

// Encode marshals v, going through ToEncodable when v implements it.
func Encode(v any) ([]byte, error) {
	if e, ok := v.(Encodable); ok {
		v = e.ToEncodable()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}
