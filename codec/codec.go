// Package codec provides pluggable value serialization. The root package
// consumes Codec[Snapshot] as the snapshot transformer; snapshot byte caches
// and applications can reuse the same codecs for their own payloads.
package codec

// Codec encodes/decodes values V to []byte for transfer or storage.
// Implementations must be reversible: Decode(Encode(v)) yields an equivalent
// value.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
