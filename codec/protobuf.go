package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

// Protobuf serializes generated protobuf messages. Construct with NewProtobuf.
type Protobuf[T proto.Message] struct {
	new  func() T // constructor for a concrete message (e.g., func() *orgpb.Org { return &orgpb.Org{} })
	opts proto.MarshalOptions
}

var errNoCtor = errors.New("codec: protobuf codec without constructor")

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	// deterministic output keeps stored bytes stable for identical records
	return Protobuf[T]{new: ctor, opts: proto.MarshalOptions{Deterministic: true}}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return c.opts.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	if c.new == nil {
		var zero T
		return zero, errNoCtor
	}
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
