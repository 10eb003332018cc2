// Package wire frames the values the kv backend writes to a provider.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	formatVersion byte = 1
	kindRecord    byte = 1
	kindIndex     byte = 2

	recordHdr = 4 + 1 + 1 + 8 + 4
	indexHdr  = 4 + 1 + 1 + 4
)

var (
	ErrCorrupt = errors.New("recordcache: corrupt frame")
	magic4     = [...]byte{'R', 'C', 'R', 'D'}
)

func header(b []byte, kind byte, min int) bool {
	return len(b) >= min && bytes.Equal(b[:4], magic4[:]) && b[4] == formatVersion && b[5] == kind
}

// Record: magic(4) | fmt(1) | kind(1=record) | version(u64 be) | vlen(u32 be) | payload(vlen)
func EncodeRecord(version uint64, payload []byte) []byte {
	buf := make([]byte, recordHdr, recordHdr+len(payload))
	copy(buf, magic4[:])
	buf[4] = formatVersion
	buf[5] = kindRecord
	binary.BigEndian.PutUint64(buf[6:14], version)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(payload)))
	return append(buf, payload...)
}

// DecodeRecord returns the record version and a payload slice aliasing b.
// Frames with trailing bytes are rejected.
func DecodeRecord(b []byte) (version uint64, payload []byte, err error) {
	if !header(b, kindRecord, recordHdr) {
		return 0, nil, ErrCorrupt
	}
	version = binary.BigEndian.Uint64(b[6:14])
	vlen := int(binary.BigEndian.Uint32(b[14:18]))
	if vlen != len(b)-recordHdr {
		return 0, nil, ErrCorrupt
	}
	return version, b[recordHdr:], nil
}

// Index:
//
//	magic(4) | fmt(1) | kind(2=index) | n(u32 be)
//	idLen(u16 be) | id(idLen) * n
func EncodeIndex(ids []string) ([]byte, error) {
	total := indexHdr
	for _, id := range ids {
		if l := len(id); l == 0 || l > 0xFFFF {
			return nil, fmt.Errorf("wire: invalid id length %d in index", l)
		}
		total += 2 + len(id)
	}

	buf := make([]byte, indexHdr, total)
	copy(buf, magic4[:])
	buf[4] = formatVersion
	buf[5] = kindIndex
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(ids)))

	var u2 [2]byte
	for _, id := range ids {
		binary.BigEndian.PutUint16(u2[:], uint16(len(id)))
		buf = append(buf, u2[:]...)
		buf = append(buf, id...)
	}
	return buf, nil
}

func DecodeIndex(b []byte) ([]string, error) {
	if !header(b, kindIndex, indexHdr) {
		return nil, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint32(b[6:10]))
	off := indexHdr
	// each id needs at least 3 bytes; reject bogus counts before allocating
	if n > (len(b)-off)/3 {
		return nil, ErrCorrupt
	}

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return nil, ErrCorrupt
		}
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if l == 0 || l > len(b)-off {
			return nil, ErrCorrupt
		}
		ids = append(ids, string(b[off:off+l]))
		off += l
	}
	if off != len(b) {
		return nil, ErrCorrupt
	}
	return ids, nil
}
