// Package verso distributes successive immutable versions of a dataset
// from a small number of producers to many readers.
//
// Each version is published as a set of _blobs_:
// a snapshot holding the complete state,
// a delta that turns the previous version into this one,
// and a reverse delta that turns this version back into the previous one.
// A reader holding version N can usually get to the next version
// by fetching and applying a single small delta,
// and only needs a full snapshot when it is starting out
// or has fallen too far behind.
//
// Blobs live in an object store under deterministic names
// (see ObjectName).
// Snapshot versions are additionally recorded in a compact _snapshot index_
// (see DecodeIndex),
// so a reader asking for a version with no snapshot of its own
// can find the nearest earlier one
// without listing the whole store.
//
// Which version is current is not pushed to readers.
// Instead the producer updates a small _announcement_ record in a pointer store,
// and readers poll it
// (see the announce subpackage).
// An announcement may carry a _pin_,
// which overrides the announced version.
// Pinning lets an operator freeze readers on a known-good version,
// or roll them back,
// without deleting anything newer.
//
// The subpackages are:
//   - retriever, which fetches snapshots and deltas for a namespace;
//   - announce, which watches a pointer store and notifies subscribers;
//   - producer, which runs publication cycles at a bounded rate;
//   - consumer, which follows announcements and keeps a current state;
//   - codec, the interface to the encoding engine;
//   - store/..., implementations of object and pointer stores.
package verso
