package codec

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestMsgpackEncodingIsStable(t *testing.T) {
	in := map[string]decimal.Decimal{}
	for _, k := range []string{"free", "locked", "debt", "collateral", "fees", "pending"} {
		in[k] = decimal.RequireFromString("12.3400")
	}
	c := Msgpack[map[string]decimal.Decimal]{}

	first, err := c.Encode(in)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b, err := c.Encode(in)
		require.NoError(t, err)
		assert.Equal(t, first, b)
	}

	out, err := c.Decode(first)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for k, v := range in {
		assert.True(t, v.Equal(out[k]), k)
	}
}

func TestProtobufRoundTrip(t *testing.T) {
	c := NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })
	in, err := structpb.NewStruct(map[string]any{"key": "acct-1/margin", "version": 3})
	require.NoError(t, err)

	b, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "acct-1/margin", out.Fields["key"].GetStringValue())
	assert.Equal(t, float64(3), out.Fields["version"].GetNumberValue())
}
