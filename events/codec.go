package events

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	c "github.com/unkn0wn-root/ledgercache/codec"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

// JSON is the default event codec.
type JSON = c.JSON[Event]

// ProtoCodec encodes events as a protobuf google.protobuf.Struct so consumers
// in other languages can read the stream without a generated schema.
// Integers and decimals are carried as strings to keep them exact.
type ProtoCodec struct {
	pb c.Protobuf[*structpb.Struct]
}

var _ c.Codec[Event] = ProtoCodec{}

func NewProtoCodec() ProtoCodec {
	return ProtoCodec{pb: c.NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })}
}

func (p ProtoCodec) Encode(e Event) ([]byte, error) {
	vals := make(map[string]any, len(e.Values))
	for k, d := range e.Values {
		vals[k] = d.String()
	}
	s, err := structpb.NewStruct(map[string]any{
		"id":           e.ID,
		"type":         string(e.Type),
		"subject":      e.Key.Subject,
		"dimension":    e.Key.Dimension,
		"kind":         e.Kind,
		"request_id":   e.RequestID,
		"sequence":     strconv.FormatUint(e.Sequence, 10),
		"version":      strconv.FormatUint(e.Version, 10),
		"prev_version": strconv.FormatUint(e.PrevVersion, 10),
		"values":       vals,
		"reason":       e.Reason,
		"caller":       e.Caller,
		"at":           e.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return p.pb.Encode(s)
}

func (p ProtoCodec) Decode(b []byte) (Event, error) {
	s, err := p.pb.Decode(b)
	if err != nil {
		return Event{}, err
	}
	f := s.GetFields()
	str := func(name string) string { return f[name].GetStringValue() }
	u64 := func(name string) (uint64, error) {
		v := str(name)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("events: field %s: %w", name, err)
		}
		return n, nil
	}

	e := Event{
		ID:        str("id"),
		Type:      Type(str("type")),
		Key:       versionstore.Key{Subject: str("subject"), Dimension: str("dimension")},
		Kind:      str("kind"),
		RequestID: str("request_id"),
		Reason:    str("reason"),
		Caller:    str("caller"),
	}
	if e.Sequence, err = u64("sequence"); err != nil {
		return Event{}, err
	}
	if e.Version, err = u64("version"); err != nil {
		return Event{}, err
	}
	if e.PrevVersion, err = u64("prev_version"); err != nil {
		return Event{}, err
	}
	if at := str("at"); at != "" {
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return Event{}, fmt.Errorf("events: field at: %w", err)
		}
	}
	if vs := f["values"].GetStructValue().GetFields(); len(vs) > 0 {
		e.Values = make(versionstore.Values, len(vs))
		for k, v := range vs {
			d, err := decimal.NewFromString(v.GetStringValue())
			if err != nil {
				return Event{}, fmt.Errorf("events: value %s: %w", k, err)
			}
			e.Values[k] = d
		}
	}
	return e, nil
}
