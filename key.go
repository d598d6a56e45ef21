package rpcq

import (
	"encoding/json"
	"fmt"

	"github.com/unkn0wn-root/rpcq/internal/canon"
)

// Kind separates the cache keyspaces of the binder families. The same
// path+input resolves to distinct entries per kind.
type Kind string

const (
	KindQuery    Kind = "query"
	KindInfinite Kind = "infinite"
	KindLive     Kind = "live"
)

// Key identifies one logical request in the store.
//
// Input holds the canonical JSON form of the call input: object keys sorted
// recursively, number literals preserved, and "no input" normalized to JSON
// null. Two inputs that are deep-equal as JSON values always produce the same
// canonical bytes, so equal logical requests share one entry.
type Key struct {
	Path  string
	Input json.RawMessage
	Kind  Kind
}

// Derive builds the store key for a call. input may be any JSON-marshallable
// value; nil (and None) mean "no input".
func Derive(path string, input any, kind Kind) (Key, error) {
	if path == "" {
		return Key{}, fmt.Errorf("rpcq: path is required")
	}
	canonical, err := canon.Encode(input)
	if err != nil {
		return Key{}, &Error{Code: CodeParse, Path: path, Message: "encode input", Err: err}
	}
	return Key{Path: path, Input: canonical, Kind: kind}, nil
}

// DeriveRaw is Derive for inputs already carried as raw JSON, e.g. snapshot
// entries or proxied requests.
func DeriveRaw(path string, input json.RawMessage, kind Kind) (Key, error) {
	if path == "" {
		return Key{}, fmt.Errorf("rpcq: path is required")
	}
	canonical, err := canon.EncodeRaw(input)
	if err != nil {
		return Key{}, &Error{Code: CodeParse, Path: path, Message: "encode input", Err: err}
	}
	return Key{Path: path, Input: canonical, Kind: kind}, nil
}

// ID returns the storage identity string: <path>:<kind>:<input hash>.
// Keys built by Derive/DeriveRaw hash their canonical input, so deep-equal
// inputs collapse to one ID and differing kinds never collide.
func (k Key) ID() string {
	return k.Path + ":" + string(k.Kind) + ":" + canon.Hash(k.Input)
}
