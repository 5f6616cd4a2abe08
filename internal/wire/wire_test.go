package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

func mustEncode(t *testing.T, r Record) []byte {
	t.Helper()
	b, err := EncodeRecord(r)
	if err != nil {
		t.Fatalf("EncodeRecord error: %v", err)
	}
	return b
}

func mustDecode(t *testing.T, b []byte) Record {
	t.Helper()
	r, err := DecodeRecord(b)
	if err != nil {
		t.Fatalf("DecodeRecord error: %v", err)
	}
	return r
}

func TestRecordRTEmptyAndNonEmpty(t *testing.T) {
	cases := []Record{
		{},
		{Version: 1, Sequence: 7, UpdatedAt: 1700000000000000000, RequestID: "req-1", Payload: []byte(`{"free":"10"}`)},
		{Version: math.MaxUint64, Sequence: math.MaxUint64, UpdatedAt: -1, RequestID: strings.Repeat("r", 0xFFFF), Payload: []byte{0, 1, 2}},
	}
	for _, tc := range cases {
		got := mustDecode(t, mustEncode(t, tc))
		if got.Version != tc.Version || got.Sequence != tc.Sequence || got.UpdatedAt != tc.UpdatedAt {
			t.Fatalf("header mismatch: got %+v want %+v", got, tc)
		}
		if got.RequestID != tc.RequestID {
			t.Fatalf("request id mismatch: got %q want %q", got.RequestID, tc.RequestID)
		}
		if !bytes.Equal(got.Payload, tc.Payload) {
			t.Fatalf("payload mismatch: got %x want %x", got.Payload, tc.Payload)
		}
	}
}

func TestRecordRejectsLongRequestID(t *testing.T) {
	if _, err := EncodeRecord(Record{RequestID: strings.Repeat("x", 0x10000)}); err == nil {
		t.Fatalf("expected error on request id > 0xFFFF")
	}
}

func TestRecordRejectsTrailingBytes(t *testing.T) {
	enc := mustEncode(t, Record{Version: 3, RequestID: "r", Payload: []byte("x")})
	enc = append(enc, 0xDE, 0xAD)
	if _, err := DecodeRecord(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestRecordCorruptHeadersAndLengths(t *testing.T) {
	enc := mustEncode(t, Record{Version: 1, RequestID: "rid", Payload: []byte("abc")})

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := DecodeRecord(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := DecodeRecord(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	badKind := append([]byte(nil), enc...)
	badKind[5] = kindRecord + 1
	if _, err := DecodeRecord(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// ridLen sits right after magic+ver+kind+version+seq+updated = 30 bytes
	badRid := append([]byte(nil), enc...)
	binary.BigEndian.PutUint16(badRid[30:32], 0xFFFF)
	if _, err := DecodeRecord(badRid); err == nil {
		t.Fatalf("expected error on rid length beyond buffer")
	}

	// vlen follows the 3-byte request id
	off := 32 + len("rid")
	badVlen := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(badVlen[off:off+4], uint32(len("abc")+1))
	if _, err := DecodeRecord(badVlen); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	if _, err := DecodeRecord(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}
	if _, err := DecodeRecord(enc[:10]); err == nil {
		t.Fatalf("expected error on short header")
	}
}

func TestRecordZeroCopyPayload(t *testing.T) {
	enc := mustEncode(t, Record{Version: 1, Payload: []byte("Z")})
	r := mustDecode(t, enc)
	r.Payload[0] = 'Q'
	if mustDecode(t, enc).Payload[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}
