package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	// flags is reserved for future revisions; decoders reject non-zero
	// bits so an old client never misreads a newer frame.
	flagsNone byte = 0
)

var (
	ErrCorrupt = errors.New("rpcq: corrupt snapshot envelope")
	magic4     = [...]byte{'R', 'P', 'Q', 'S'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Envelope: magic(4) | ver(1) | flags(1) | plen(u32 be) | payload(plen)
func Encode(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(flagsNone)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func Decode(b []byte) ([]byte, error) {
	const hdr = 4 + 1 + 1 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != flagsNone {
		return nil, ErrCorrupt
	}

	off := 6

	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// The envelope owns the whole blob: trailing bytes mean a foreign or
	// damaged frame, not padding.
	if plen < 0 || plen != len(b)-off {
		return nil, ErrCorrupt
	}

	return b[off : off+plen], nil
}
