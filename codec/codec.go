// Package codec (de)serializes records for byte-oriented backends such as
// backend/kv. Pick the codec matching how the record type is tagged.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
