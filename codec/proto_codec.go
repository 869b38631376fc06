package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Proto marshals protobuf messages. T is the message pointer type, for
// example *wrapperspb.StringValue.
type Proto[T proto.Message] struct{}

func (Proto[T]) Marshal(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (Proto[T]) Unmarshal(data []byte) (T, error) {
	var zero T
	msg := zero.ProtoReflect().New().Interface()
	if err := proto.Unmarshal(data, msg); err != nil {
		return zero, decodeError(fmt.Sprintf("proto %T", zero), err)
	}
	return msg.(T), nil
}
