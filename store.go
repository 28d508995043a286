package verso

import (
	"context"
	"errors"
	"io"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name     string
	Size     int64
	Metadata map[string]string
}

// ObjectGetter is a read-only ObjectStore (qv).
type ObjectGetter interface {
	// Stat returns information about the named object without reading its contents.
	// It returns ErrNotFound if there is no such object.
	Stat(ctx context.Context, name string) (ObjectInfo, error)

	// Open opens the named object for reading.
	// It returns ErrNotFound if there is no such object.
	// The caller must close the result.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// ObjectStore is a store of named, immutable objects with string metadata.
// The index object is the one exception to immutability:
// it is rewritten each time a snapshot is published.
type ObjectStore interface {
	ObjectGetter

	// Put stores the contents of r under the given name with the given metadata,
	// replacing any existing object of the same name.
	Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error
}

// Announcement is the pointer record for a namespace.
type Announcement struct {
	// Version is the most recently announced version.
	Version Version

	// Pin, when non-nil, overrides Version as the one readers should use.
	Pin *Version
}

// Latest is the version readers should treat as current.
func (a Announcement) Latest() Version {
	if a.Pin != nil {
		return *a.Pin
	}
	return a.Version
}

// PointerGetter is a read-only PointerStore (qv).
type PointerGetter interface {
	// GetPointer returns the announcement for the given namespace.
	// It returns ErrNotFound if nothing has been announced there.
	GetPointer(ctx context.Context, ns string) (Announcement, error)
}

// PointerStore holds one Announcement per namespace.
type PointerStore interface {
	PointerGetter

	// Announce sets the current version for ns, leaving any pin in place.
	Announce(ctx context.Context, ns string, v Version) error

	// Pin sets (or, when v is nil, clears) the pin for ns.
	// It returns ErrNotFound if nothing has been announced in ns.
	Pin(ctx context.Context, ns string, v *Version) error
}

// PointerLister is implemented by PointerStores that can enumerate their namespaces.
type PointerLister interface {
	// ListPointers calls f for each namespace in lexicographic order.
	// If f returns an error, ListPointers exits with that error.
	ListPointers(ctx context.Context, f func(string, Announcement) error) error
}

var (
	// ErrNotFound is the error returned when an object or announcement does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is the error returned when stored data or metadata is malformed
	// or contradicts what was asked for.
	ErrCorrupt = errors.New("corrupt")
)
