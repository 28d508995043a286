// Package verso describes a versioned blob distribution protocol.
package verso

import (
	"fmt"
	"strconv"
)

type (
	// Version identifies one state of a dataset.
	// Versions are strictly increasing but carry no other meaning.
	// The zero Version means "no state."
	Version int64

	// Kind is the kind of a published blob.
	Kind string
)

const (
	// Snapshot blobs hold a complete state.
	Snapshot Kind = "snapshot"

	// Delta blobs transform one state into the next.
	Delta Kind = "delta"

	// ReverseDelta blobs transform one state into the previous one.
	ReverseDelta Kind = "reversedelta"
)

// Metadata keys carried by every published blob.
const (
	FromStateKey = "from_state"
	ToStateKey   = "to_state"
)

func (v Version) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// ParseVersion parses the decimal form of a Version.
func ParseVersion(s string) (Version, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return Version(n), err
}

// ObjectName is the name of the blob of kind k in namespace ns.
// For snapshots, v is the version the snapshot holds.
// For deltas and reverse deltas, v is the version the blob transforms from.
func ObjectName(ns string, k Kind, v Version) string {
	return fmt.Sprintf("%s/%s-%d", ns, k, v)
}

// IndexObjectName is the name of the snapshot index object in namespace ns.
func IndexObjectName(ns string) string {
	return ns + "/snapshot.index"
}
