package rpcq

import (
	"encoding/json"

	c "github.com/unkn0wn-root/rpcq/codec"
	"github.com/unkn0wn-root/rpcq/internal/wire"
)

// Snapshot is the transferable form of a store's successful entries. Payloads
// travel as raw JSON so any transformer can serialize the snapshot whole; a
// typed read after hydration decodes lazily and memoizes.
type Snapshot struct {
	Entries []SnapshotEntry `json:"entries"`
}

// SnapshotEntry carries one entry. Query and live entries use Data; paginated
// entries use Pages and PageParams instead.
type SnapshotEntry struct {
	Path       string            `json:"path"`
	Input      json.RawMessage   `json:"input"`
	Kind       Kind              `json:"kind"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Pages      []json.RawMessage `json:"pages,omitempty"`
	PageParams []json.RawMessage `json:"pageParams,omitempty"`
	UpdatedAt  int64             `json:"updatedAt"` // unix milliseconds
}

// Key rebuilds the store key for the entry. Input round-trips canonical, so
// the ID matches the one the entry was stored under.
func (e SnapshotEntry) Key() Key {
	return Key{Path: e.Path, Input: e.Input, Kind: e.Kind}
}

// Transformer serializes snapshots for transfer. It is reversible by
// contract: Decode(Encode(snap)) must restore an equivalent snapshot.
type Transformer = c.Codec[Snapshot]

// EncodeSnapshot serializes snap with t and frames it for transfer. A nil t
// uses JSON.
func EncodeSnapshot(snap Snapshot, t Transformer) ([]byte, error) {
	if t == nil {
		t = c.JSON[Snapshot]{}
	}
	payload, err := t.Encode(snap)
	if err != nil {
		return nil, err
	}
	return wire.Encode(payload), nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Foreign or damaged bytes
// fail on the envelope with ErrCorruptSnapshot before t runs.
func DecodeSnapshot(b []byte, t Transformer) (Snapshot, error) {
	if t == nil {
		t = c.JSON[Snapshot]{}
	}
	payload, err := wire.Decode(b)
	if err != nil {
		return Snapshot{}, err
	}
	return t.Decode(payload)
}

// ErrCorruptSnapshot reports bytes that are not a framed snapshot.
var ErrCorruptSnapshot = wire.ErrCorrupt
