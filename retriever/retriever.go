// Package retriever fetches snapshot and delta blobs for one namespace of an object store.
package retriever

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
)

// Retriever fetches blobs for one namespace.
// Blob contents are downloaded in full to a temporary file before they are handed to the caller;
// closing the stream removes the file.
type Retriever struct {
	s  verso.ObjectGetter
	ns string

	// TempDir is where downloads are staged.
	// The default is os.TempDir().
	TempDir string
}

// New produces a new Retriever for namespace ns in s.
func New(s verso.ObjectGetter, ns string) *Retriever {
	return &Retriever{s: s, ns: ns}
}

// Namespace is the namespace r reads from.
func (r *Retriever) Namespace() string {
	return r.ns
}

// Snapshot returns the snapshot for the desired version if there is one.
// Otherwise it consults the snapshot index
// and returns the snapshot for the greatest indexed version below desired.
// It returns an error wrapping verso.ErrNotFound if no such snapshot exists.
func (r *Retriever) Snapshot(ctx context.Context, desired verso.Version) (*verso.Blob, error) {
	b, err := r.knownBlob(ctx, verso.Snapshot, desired)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, verso.ErrNotFound) {
		return nil, err
	}

	// No exact match.
	// Use the index to find the nearest snapshot before the desired state.
	index, err := r.Index(ctx)
	if err != nil {
		return nil, err
	}
	nearest, err := verso.NearestAtOrBelow(index, desired)
	if err != nil {
		return nil, errors.Wrapf(err, "no snapshot at or below %d in %s", desired, r.ns)
	}
	if nearest == desired {
		return nil, errors.Wrapf(verso.ErrNotFound, "snapshot %d is indexed but missing from %s", desired, r.ns)
	}

	b, err = r.knownBlob(ctx, verso.Snapshot, nearest)
	return b, errors.Wrapf(err, "getting indexed snapshot %d", nearest)
}

// Delta returns the delta that transforms version from into its successor.
// It returns an error wrapping verso.ErrNotFound if there is none.
func (r *Retriever) Delta(ctx context.Context, from verso.Version) (*verso.Blob, error) {
	return r.knownBlob(ctx, verso.Delta, from)
}

// ReverseDelta returns the reverse delta that transforms version from into its predecessor.
// It returns an error wrapping verso.ErrNotFound if there is none.
func (r *Retriever) ReverseDelta(ctx context.Context, from verso.Version) (*verso.Blob, error) {
	return r.knownBlob(ctx, verso.ReverseDelta, from)
}

// Index returns the namespace's snapshot index.
// An absent index is the same as an empty one.
func (r *Retriever) Index(ctx context.Context) ([]verso.Version, error) {
	name := verso.IndexObjectName(r.ns)
	rc, err := r.s.Open(ctx, name)
	if errors.Is(err, verso.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	defer rc.Close()

	index, err := verso.DecodeIndex(rc)
	return index, errors.Wrapf(err, "decoding %s", name)
}

func (r *Retriever) knownBlob(ctx context.Context, kind verso.Kind, v verso.Version) (*verso.Blob, error) {
	name := verso.ObjectName(r.ns, kind, v)
	info, err := r.s.Stat(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "getting metadata for %s", name)
	}

	to, err := metaVersion(info, verso.ToStateKey)
	if err != nil {
		return nil, err
	}
	var from verso.Version
	if kind == verso.Snapshot {
		if to != v {
			return nil, errors.Wrapf(verso.ErrCorrupt, "%s declares to_state %d", name, to)
		}
	} else {
		from, err = metaVersion(info, verso.FromStateKey)
		if err != nil {
			return nil, err
		}
		if from != v {
			return nil, errors.Wrapf(verso.ErrCorrupt, "%s declares from_state %d", name, from)
		}
	}

	b := verso.NewBlob(kind, name, from, to, func(ctx context.Context) (io.ReadCloser, error) {
		return r.download(ctx, name)
	})
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func metaVersion(info verso.ObjectInfo, key string) (verso.Version, error) {
	s, ok := info.Metadata[key]
	if !ok {
		return 0, errors.Wrapf(verso.ErrCorrupt, "%s has no %s metadata", info.Name, key)
	}
	v, err := verso.ParseVersion(s)
	if err != nil {
		return 0, errors.Wrapf(verso.ErrCorrupt, "%s has malformed %s metadata %q", info.Name, key, s)
	}
	return v, nil
}

// download copies the named object to a temporary file
// and returns a stream reading from it.
// The file is removed when the stream is closed,
// or right away if the download fails.
func (r *Retriever) download(ctx context.Context, name string) (io.ReadCloser, error) {
	src, err := r.s.Open(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	defer src.Close()

	f, err := os.CreateTemp(r.TempDir, strings.ReplaceAll(name, "/", "-")+"-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}

	_, err = io.Copy(f, src)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errors.Wrapf(err, "downloading %s", name)
	}

	return &tempFile{File: f}, nil
}

type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rmErr := os.Remove(t.File.Name()); err == nil {
		err = rmErr
	}
	return err
}
