package codec

import (
	"encoding/json"
	"fmt"
)

// JSON uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
type JSON[T any] struct{}

func (JSON[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, decodeError(fmt.Sprintf("JSON %T", v), err)
	}
	return v, nil
}
