// Package canon produces deterministic JSON encodings for cache identity.
//
// Two inputs that decode to the same JSON value must encode to the same bytes:
// object members are emitted in sorted key order at every depth and number
// literals are preserved verbatim (no float round-trip). Encoded bytes are the
// basis for key identity and cursor comparison, never for wire transfer.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Null is the canonical encoding of an absent input.
var Null = []byte("null")

var (
	errNotObject = errors.New("input is not a JSON object")
	errTrailing  = errors.New("trailing data after JSON value")
)

// Encode canonicalizes an arbitrary Go value. nil encodes as null.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return Null, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return EncodeRaw(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeRaw(b)
}

// EncodeRaw canonicalizes raw JSON. Empty input is treated as null; bytes
// past the end of the value make the whole input invalid.
func EncodeRaw(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return Null, nil
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	// encoding/json sorts map keys; json.Number keeps literals intact
	return json.Marshal(v)
}

// Equal reports whether two raw JSON values are canonically equal.
// nil/empty on either side compares as null.
func Equal(a, b json.RawMessage) bool {
	ca, err := EncodeRaw(a)
	if err != nil {
		return false
	}
	cb, err := EncodeRaw(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Hash returns a short hex digest of canonical bytes for use in store keys.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}

// MergeCursor returns the canonical encoding of input with the reserved
// "cursor" member set. A null/absent input becomes an object holding only the
// cursor; a null cursor is still written explicitly so the server observes the
// field on every page request. Non-object inputs cannot carry a cursor.
func MergeCursor(input, cursor json.RawMessage) (json.RawMessage, error) {
	base := map[string]any{}
	if len(input) != 0 && !bytes.Equal(input, Null) {
		v, err := decodeValue(input)
		if err != nil {
			return nil, err
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, errNotObject
		}
		base = obj
	}
	if len(cursor) == 0 {
		base["cursor"] = nil
	} else {
		cv, err := decodeValue(cursor)
		if err != nil {
			return nil, fmt.Errorf("cursor: %w", err)
		}
		base["cursor"] = cv
	}
	return json.Marshal(base)
}

func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// the decoder stops at the end of the first value; anything but
	// whitespace after it is a malformed input, not a second document
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailing
	}
	return v, nil
}
