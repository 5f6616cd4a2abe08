package codec

import "google.golang.org/protobuf/proto"

// Protobuf carries a proto.Message as wire bytes. events.ProtoCodec uses it
// with structpb.Struct to put outcome events on a stream. Output is
// deterministic; unknown fields from newer producers are dropped on decode.
type Protobuf[T proto.Message] struct {
	new func() T
}

// NewProtobuf needs ctor to allocate the empty message each Decode fills.
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(b, m)
	return m, err
}
