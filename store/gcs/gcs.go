// Package gcs implements object and pointer stores on Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	stderrs "errors"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Store{}
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// Store is a Google Cloud Storage-based implementation of object and pointer stores.
// Announcements are JSON objects named "_pointers/" plus the namespace.
// They are updated with generation preconditions,
// so concurrent writers do not lose each other's updates.
type Store struct {
	bucket *storage.BucketHandle
}

// New produces a new Store.
func New(bucket *storage.BucketHandle) *Store {
	return &Store{bucket: bucket}
}

const pointerPrefix = "_pointers/"

// Stat implements verso.ObjectGetter.
func (s *Store) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	attrs, err := s.bucket.Object(name).Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return verso.ObjectInfo{}, verso.ErrNotFound
	}
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(err, "getting object attrs for %s", name)
	}
	return verso.ObjectInfo{Name: name, Size: attrs.Size, Metadata: attrs.Metadata}, nil
}

// Open implements verso.ObjectGetter.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, verso.ErrNotFound
	}
	return r, errors.Wrapf(err, "reading object %s", name)
}

// Put implements verso.ObjectStore.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	w := s.bucket.Object(name).NewWriter(ctx)
	w.Metadata = metadata

	_, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return errors.Wrapf(err, "writing object %s", name)
	}
	return errors.Wrapf(w.Close(), "closing object %s", name)
}

type pointerObj struct {
	Version verso.Version  `json:"version"`
	Pin     *verso.Version `json:"pin,omitempty"`
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	a, _, err := s.getPointer(ctx, ns)
	return a, err
}

func (s *Store) getPointer(ctx context.Context, ns string) (verso.Announcement, int64, error) {
	name := pointerPrefix + ns
	r, err := s.bucket.Object(name).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return verso.Announcement{}, 0, verso.ErrNotFound
	}
	if err != nil {
		return verso.Announcement{}, 0, errors.Wrapf(err, "reading object %s", name)
	}
	defer r.Close()

	var p pointerObj
	if err = json.NewDecoder(r).Decode(&p); err != nil {
		return verso.Announcement{}, 0, errors.Wrapf(err, "decoding object %s", name)
	}
	return verso.Announcement{Version: p.Version, Pin: p.Pin}, r.Attrs.Generation, nil
}

// updatePointer applies f to the namespace's announcement
// and writes the result,
// retrying if another writer got there first.
func (s *Store) updatePointer(ctx context.Context, ns string, mustExist bool, f func(*verso.Announcement)) error {
	name := pointerPrefix + ns
	for {
		a, gen, err := s.getPointer(ctx, ns)
		if errors.Is(err, verso.ErrNotFound) && !mustExist {
			err = nil
		}
		if err != nil {
			return err
		}

		f(&a)

		cond := storage.Conditions{GenerationMatch: gen}
		if gen == 0 {
			cond = storage.Conditions{DoesNotExist: true}
		}
		w := s.bucket.Object(name).If(cond).NewWriter(ctx)
		w.ContentType = "application/json"
		err = json.NewEncoder(w).Encode(pointerObj{Version: a.Version, Pin: a.Pin})
		if closeErr := w.Close(); err == nil {
			err = closeErr
		}

		var e *googleapi.Error
		if stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed {
			continue
		}
		return errors.Wrapf(err, "writing object %s", name)
	}
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(ctx context.Context, ns string, v verso.Version) error {
	return s.updatePointer(ctx, ns, false, func(a *verso.Announcement) { a.Version = v })
}

// Pin implements verso.PointerStore.
func (s *Store) Pin(ctx context.Context, ns string, v *verso.Version) error {
	return s.updatePointer(ctx, ns, true, func(a *verso.Announcement) { a.Pin = v })
}

// ListPointers implements verso.PointerLister.
// Object listings are in lexicographic order,
// so namespaces are too.
func (s *Store) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: pointerPrefix})
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "iterating over pointer objects")
		}
		ns := strings.TrimPrefix(attrs.Name, pointerPrefix)
		a, err := s.GetPointer(ctx, ns)
		if errors.Is(err, verso.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err = f(ns, a); err != nil {
			return err
		}
	}
}

func init() {
	factory := func(ctx context.Context, conf map[string]interface{}) (*Store, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName)), nil
	}
	store.RegisterObjects("gcs", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		return factory(ctx, conf)
	})
	store.RegisterPointers("gcs", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		return factory(ctx, conf)
	})
}
