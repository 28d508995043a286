package verso

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Blob is a published artifact:
// a snapshot of one version,
// or a delta or reverse delta between two adjacent versions.
type Blob struct {
	Kind Kind
	Name string

	// From is the version a delta or reverse delta applies to.
	// It is zero for snapshots.
	From Version

	// To is the version the blob produces.
	To Version

	open func(context.Context) (io.ReadCloser, error)
}

// NewBlob produces a Blob whose contents are produced by open.
func NewBlob(kind Kind, name string, from, to Version, open func(context.Context) (io.ReadCloser, error)) *Blob {
	return &Blob{Kind: kind, Name: name, From: from, To: to, open: open}
}

// Open opens the blob's contents.
// Each call produces a new stream,
// which the caller must close.
func (b *Blob) Open(ctx context.Context) (io.ReadCloser, error) {
	if b.open == nil {
		return nil, errors.Errorf("blob %s has no contents", b.Name)
	}
	return b.open(ctx)
}

// ReadAll reads the blob's complete contents.
func (b *Blob) ReadAll(ctx context.Context) ([]byte, error) {
	r, err := b.Open(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", b.Name)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	return data, errors.Wrapf(err, "reading %s", b.Name)
}

// Validate checks the blob's declared versions against its kind.
// The versions must have come from provenance metadata,
// not from the object name.
func (b *Blob) Validate() error {
	switch b.Kind {
	case Snapshot:
		if b.To <= 0 {
			return errors.Wrapf(ErrCorrupt, "snapshot %s has to_state %d", b.Name, b.To)
		}
	case Delta:
		if b.From <= 0 || b.To <= b.From {
			return errors.Wrapf(ErrCorrupt, "delta %s goes from %d to %d", b.Name, b.From, b.To)
		}
	case ReverseDelta:
		if b.To <= 0 || b.To >= b.From {
			return errors.Wrapf(ErrCorrupt, "reverse delta %s goes from %d to %d", b.Name, b.From, b.To)
		}
	default:
		return errors.Wrapf(ErrCorrupt, "blob %s has unknown kind %q", b.Name, b.Kind)
	}
	return nil
}
