// Package mem implements in-memory object and pointer stores.
package mem

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Store{}
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// Store is a memory-based implementation of both an object store and a pointer store.
type Store struct {
	mu       sync.Mutex
	objects  map[string]object
	pointers map[string]verso.Announcement
}

type object struct {
	data []byte
	meta map[string]string
}

// New produces a new Store.
func New() *Store {
	return &Store{
		objects:  make(map[string]object),
		pointers: make(map[string]verso.Announcement),
	}
}

// Stat implements verso.ObjectGetter.
func (s *Store) Stat(_ context.Context, name string) (verso.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[name]
	if !ok {
		return verso.ObjectInfo{}, verso.ErrNotFound
	}
	return verso.ObjectInfo{Name: name, Size: int64(len(obj.data)), Metadata: copyMeta(obj.meta)}, nil
}

// Open implements verso.ObjectGetter.
func (s *Store) Open(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[name]
	if !ok {
		return nil, verso.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Put implements verso.ObjectStore.
func (s *Store) Put(_ context.Context, name string, r io.Reader, meta map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "reading data for %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[name] = object{data: data, meta: copyMeta(meta)}
	return nil
}

// Delete removes the named object.
// It is not part of verso.ObjectStore
// (blobs are immutable)
// but lets tests simulate retention policies.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
}

// Names lists the object names in the store, in lexicographic order.
func (s *Store) Names() []string {
	s.mu.Lock()
	result := make([]string, 0, len(s.objects))
	for name := range s.objects {
		result = append(result, name)
	}
	s.mu.Unlock()

	sort.Strings(result)
	return result
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(_ context.Context, ns string) (verso.Announcement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.pointers[ns]
	if !ok {
		return verso.Announcement{}, verso.ErrNotFound
	}
	if a.Pin != nil {
		pin := *a.Pin
		a.Pin = &pin
	}
	return a, nil
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(_ context.Context, ns string, v verso.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.pointers[ns]
	a.Version = v
	s.pointers[ns] = a
	return nil
}

// Pin implements verso.PointerStore.
func (s *Store) Pin(_ context.Context, ns string, v *verso.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.pointers[ns]
	if !ok {
		return verso.ErrNotFound
	}
	if v == nil {
		a.Pin = nil
	} else {
		pin := *v
		a.Pin = &pin
	}
	s.pointers[ns] = a
	return nil
}

// ListPointers implements verso.PointerLister.
func (s *Store) ListPointers(_ context.Context, f func(string, verso.Announcement) error) error {
	s.mu.Lock()
	namespaces := make([]string, 0, len(s.pointers))
	for ns := range s.pointers {
		namespaces = append(namespaces, ns)
	}
	s.mu.Unlock()

	sort.Strings(namespaces)

	for _, ns := range namespaces {
		s.mu.Lock()
		a, ok := s.pointers[ns]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := f(ns, a); err != nil {
			return err
		}
	}
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func init() {
	store.RegisterObjects("mem", func(context.Context, map[string]interface{}) (verso.ObjectStore, error) {
		return New(), nil
	})
	store.RegisterPointers("mem", func(context.Context, map[string]interface{}) (verso.PointerStore, error) {
		return New(), nil
	})
}
