// Package codec is the interface between verso and a dataset encoding engine.
package codec

// Records is a dataset state:
// a set of records keyed by primary key.
type Records map[string]interface{}

// Codec turns staged records into blob bytes and applies deltas to them.
// The bytes are opaque to the rest of verso,
// with one requirement:
// encoding the same records twice must produce identical bytes,
// since that is how an unchanged state is recognized.
type Codec interface {
	// Encode produces the snapshot bytes for a state.
	Encode(Records) ([]byte, error)

	// Diff produces a delta transforming snapshot bytes `from` into snapshot bytes `to`.
	Diff(from, to []byte) ([]byte, error)

	// Apply applies a delta produced by Diff to snapshot bytes,
	// producing the snapshot bytes of the resulting state.
	Apply(state, delta []byte) ([]byte, error)
}
