package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack stores entry values (versionstore.Values) as MessagePack for the
// Redis version store. Map keys are written sorted, so equal values always
// encode to equal bytes. Decimals go through their binary marshaler and keep
// full precision. The zero value is ready to use.
type Msgpack[V any] struct{}

var _ Codec[struct{}] = Msgpack[struct{}]{}

func (Msgpack[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).SetSortMapKeys(true).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
