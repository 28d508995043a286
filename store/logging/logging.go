// Package logging implements stores that delegate everything to nested stores,
// logging operations as they happen.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Objects{}
	_ verso.PointerStore  = &Pointers{}
	_ verso.PointerLister = &Pointers{}
)

// Objects is an object store that logs each operation on a nested store.
type Objects struct {
	s      verso.ObjectStore
	logger *log.Logger
}

// NewObjects wraps s.
// If logger is nil, log.Default() is used.
func NewObjects(s verso.ObjectStore, logger *log.Logger) *Objects {
	if logger == nil {
		logger = log.Default()
	}
	return &Objects{s: s, logger: logger}
}

func (s *Objects) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	info, err := s.s.Stat(ctx, name)
	switch {
	case errors.Is(err, verso.ErrNotFound):
		s.logger.Printf("Stat %s: not found", name)
	case err != nil:
		s.logger.Printf("ERROR Stat %s: %s", name, err)
	default:
		s.logger.Printf("Stat %s: size=%d metadata=%v", name, info.Size, info.Metadata)
	}
	return info, err
}

func (s *Objects) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := s.s.Open(ctx, name)
	switch {
	case errors.Is(err, verso.ErrNotFound):
		s.logger.Printf("Open %s: not found", name)
	case err != nil:
		s.logger.Printf("ERROR Open %s: %s", name, err)
	default:
		s.logger.Printf("Open %s", name)
	}
	return rc, err
}

func (s *Objects) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	err := s.s.Put(ctx, name, r, metadata)
	if err != nil {
		s.logger.Printf("ERROR in Put %s: %s", name, err)
	} else {
		s.logger.Printf("Put %s, metadata=%v", name, metadata)
	}
	return err
}

// Pointers is a pointer store that logs each operation on a nested store.
type Pointers struct {
	s      verso.PointerStore
	logger *log.Logger
}

// NewPointers wraps s.
// If logger is nil, log.Default() is used.
func NewPointers(s verso.PointerStore, logger *log.Logger) *Pointers {
	if logger == nil {
		logger = log.Default()
	}
	return &Pointers{s: s, logger: logger}
}

func (s *Pointers) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	a, err := s.s.GetPointer(ctx, ns)
	switch {
	case errors.Is(err, verso.ErrNotFound):
		s.logger.Printf("GetPointer %s: not found", ns)
	case err != nil:
		s.logger.Printf("ERROR in GetPointer %s: %s", ns, err)
	default:
		s.logger.Printf("GetPointer %s: %s", ns, describe(a))
	}
	return a, err
}

func (s *Pointers) Announce(ctx context.Context, ns string, v verso.Version) error {
	err := s.s.Announce(ctx, ns, v)
	if err != nil {
		s.logger.Printf("ERROR in Announce(%s, %d): %s", ns, v, err)
	} else {
		s.logger.Printf("Announce(%s, %d)", ns, v)
	}
	return err
}

func (s *Pointers) Pin(ctx context.Context, ns string, v *verso.Version) error {
	what := "unpin"
	if v != nil {
		what = fmt.Sprintf("pin %d", *v)
	}
	err := s.s.Pin(ctx, ns, v)
	if err != nil {
		s.logger.Printf("ERROR in Pin(%s, %s): %s", ns, what, err)
	} else {
		s.logger.Printf("Pin(%s, %s)", ns, what)
	}
	return err
}

func (s *Pointers) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	lister, ok := s.s.(verso.PointerLister)
	if !ok {
		return fmt.Errorf("nested store is a %T and not a verso.PointerLister", s.s)
	}
	s.logger.Printf("ListPointers")
	return lister.ListPointers(ctx, func(ns string, a verso.Announcement) error {
		err := f(ns, a)
		if err != nil {
			s.logger.Printf("  ERROR in ListPointers at %s: %s", ns, err)
		} else {
			s.logger.Printf("  ListPointers: %s %s", ns, describe(a))
		}
		return err
	})
}

func describe(a verso.Announcement) string {
	if a.Pin != nil {
		return fmt.Sprintf("version=%d pin=%d", a.Version, *a.Pin)
	}
	return fmt.Sprintf("version=%d", a.Version)
}

func init() {
	store.RegisterObjects("logging", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		nested, err := store.Nested(conf)
		if err != nil {
			return nil, err
		}
		nestedStore, err := store.CreateObjects(ctx, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return NewObjects(nestedStore, nil), nil
	})
	store.RegisterPointers("logging", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		nested, err := store.Nested(conf)
		if err != nil {
			return nil, err
		}
		nestedStore, err := store.CreatePointers(ctx, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return NewPointers(nestedStore, nil), nil
	})
}
