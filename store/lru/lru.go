// Package lru implements an object store that acts as a least-recently-used cache for a nested object store.
package lru

import (
	"bytes"
	"context"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var _ verso.ObjectStore = &Store{}

// DefaultMaxContentSize is the default size limit for objects whose content is cached.
const DefaultMaxContentSize = 1 << 20

// Store implements a memory-based least-recently-used cache for an object store.
// It caches object info,
// and the content of objects no bigger than MaxContentSize.
// Index objects are never cached, since they are rewritten in place;
// blobs are immutable once written.
// Absent objects are not cached either.
// Writes pass through to the underlying object store.
type Store struct {
	c *lru.Cache // name->*entry
	s verso.ObjectStore

	// MaxContentSize is the size limit for objects whose content is cached.
	MaxContentSize int64
}

type entry struct {
	info verso.ObjectInfo
	data []byte // nil if not cached
}

// New produces a new Store backed by `s` and caching up to `size` objects.
func New(s verso.ObjectStore, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c, MaxContentSize: DefaultMaxContentSize}, err
}

func cacheable(name string) bool {
	return !strings.HasSuffix(name, "/snapshot.index")
}

func (s *Store) get(name string) (*entry, bool) {
	if !cacheable(name) {
		return nil, false
	}
	got, ok := s.c.Get(name)
	if !ok {
		return nil, false
	}
	return got.(*entry), true
}

// Stat implements verso.ObjectGetter.
func (s *Store) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	if e, ok := s.get(name); ok {
		return e.info, nil
	}
	info, err := s.s.Stat(ctx, name)
	if err != nil {
		return verso.ObjectInfo{}, err
	}
	if cacheable(name) {
		s.c.Add(name, &entry{info: info})
	}
	return info, nil
}

// Open implements verso.ObjectGetter.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	e, ok := s.get(name)
	if ok && e.data != nil {
		return io.NopCloser(bytes.NewReader(e.data)), nil
	}
	if !ok && cacheable(name) {
		info, err := s.Stat(ctx, name)
		if err != nil {
			return nil, err
		}
		e = &entry{info: info}
	}

	rc, err := s.s.Open(ctx, name)
	if err != nil || e == nil || e.info.Size > s.MaxContentSize {
		return rc, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	s.c.Add(name, &entry{info: e.info, data: data})
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put implements verso.ObjectStore.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	s.c.Remove(name)
	return s.s.Put(ctx, name, r, metadata)
}

func init() {
	store.RegisterObjects("lru", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		size, ok := store.Int(conf, "size")
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nested, err := store.Nested(conf)
		if err != nil {
			return nil, err
		}
		nestedStore, err := store.CreateObjects(ctx, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return New(nestedStore, size)
	})
}
