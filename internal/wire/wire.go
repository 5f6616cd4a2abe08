package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version    byte = 1
	kindRecord byte = 1
)

var (
	ErrCorrupt = errors.New("ledgercache: corrupt entry")
	magic4     = [...]byte{'L', 'D', 'G', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Record is the stored form of a cache entry minus its key,
// which lives in the storage key itself.
type Record struct {
	Version   uint64
	Sequence  uint64
	UpdatedAt int64 // unix nanos
	RequestID string
	Payload   []byte
}

// Record:
//
//	magic(4) | ver(1) | kind(1=record) | version(u64 be) | seq(u64 be) | updated(i64 be)
//	ridLen(u16 be) | rid(ridLen) | vlen(u32 be) | payload(vlen)
func EncodeRecord(r Record) ([]byte, error) {
	if len(r.RequestID) > 0xFFFF {
		return nil, errors.New("ledgercache: request id too long")
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 8 + 8 + 2 + len(r.RequestID) + 4 + len(r.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRecord)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], r.Version)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], r.Sequence)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(r.UpdatedAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(r.RequestID)))
	buf.Write(u2[:])
	buf.WriteString(r.RequestID)

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Payload)))
	buf.Write(u4[:])
	buf.Write(r.Payload)
	return buf.Bytes(), nil
}

// DecodeRecord is strict: bad header, short buffer or trailing bytes are ErrCorrupt.
// The returned Payload aliases b.
func DecodeRecord(b []byte) (Record, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 8 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindRecord {
		return Record{}, ErrCorrupt
	}
	off := 6

	var r Record
	r.Version = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	r.Sequence = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	r.UpdatedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	rlen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if rlen > len(b)-off {
		return Record{}, ErrCorrupt
	}
	r.RequestID = string(b[off : off+rlen])
	off += rlen

	if off+4 > len(b) {
		return Record{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Record{}, ErrCorrupt
	}
	r.Payload = b[off : off+vlen]
	return r, nil
}
