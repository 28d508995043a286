// Package file implements object and pointer stores as a file hierarchy.
package file

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bobg/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Store{}
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// Store is a file-based implementation of object and pointer stores.
//
// Object contents live beneath root/objects,
// each with a JSON metadata sidecar beneath root/meta.
// Announcements are JSON files beneath root/pointers,
// guarded by file locks.
type Store struct {
	root    string
	flocker flock.Locker
}

// New produces a new Store storing data beneath `root`.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) objpath(name string) string {
	return filepath.Join(s.root, "objects", filepath.FromSlash(name))
}

func (s *Store) metapath(name string) string {
	return filepath.Join(s.root, "meta", filepath.FromSlash(name)+".json")
}

func (s *Store) pointerroot() string {
	return filepath.Join(s.root, "pointers")
}

func (s *Store) pointerpath(ns string) string {
	return filepath.Join(s.pointerroot(), url.PathEscape(ns)+".json")
}

// Stat implements verso.ObjectGetter.
func (s *Store) Stat(_ context.Context, name string) (verso.ObjectInfo, error) {
	path := s.objpath(name)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return verso.ObjectInfo{}, verso.ErrNotFound
	}
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(err, "statting %s", path)
	}

	info := verso.ObjectInfo{Name: name, Size: fi.Size()}

	metapath := s.metapath(name)
	b, err := os.ReadFile(metapath)
	if os.IsNotExist(err) {
		return info, nil
	}
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(err, "reading %s", metapath)
	}
	err = json.Unmarshal(b, &info.Metadata)
	return info, errors.Wrapf(err, "decoding %s", metapath)
}

// Open implements verso.ObjectGetter.
func (s *Store) Open(_ context.Context, name string) (io.ReadCloser, error) {
	path := s.objpath(name)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, verso.ErrNotFound
	}
	return f, errors.Wrapf(err, "opening %s", path)
}

// Put implements verso.ObjectStore.
// The metadata sidecar is written first,
// so a concurrent Stat never sees new content with old metadata.
func (s *Store) Put(_ context.Context, name string, r io.Reader, metadata map[string]string) error {
	metapath := s.metapath(name)
	if len(metadata) == 0 {
		if err := os.Remove(metapath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %s", metapath)
		}
	} else {
		b, err := json.Marshal(metadata)
		if err != nil {
			return errors.Wrapf(err, "encoding metadata for %s", name)
		}
		if err = writeFile(metapath, func(w io.Writer) error {
			_, err := w.Write(b)
			return err
		}); err != nil {
			return err
		}
	}

	return writeFile(s.objpath(name), func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// writeFile writes path atomically by writing a uniquely named sibling and renaming it.
func writeFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}

	err = write(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

type pointerFile struct {
	Version verso.Version  `json:"version"`
	Pin     *verso.Version `json:"pin,omitempty"`
}

func (s *Store) lockPointer(ns string) error {
	if err := os.MkdirAll(s.pointerroot(), 0755); err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.pointerroot())
	}
	return s.flocker.Lock(s.pointerpath(ns) + ".lock")
}

func (s *Store) unlockPointer(ns string) error {
	return s.flocker.Unlock(s.pointerpath(ns) + ".lock")
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(_ context.Context, ns string) (verso.Announcement, error) {
	if err := s.lockPointer(ns); err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "locking pointer for %s", ns)
	}
	defer s.unlockPointer(ns)

	return s.readPointer(ns)
}

// File lock must be held.
func (s *Store) readPointer(ns string) (verso.Announcement, error) {
	path := s.pointerpath(ns)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return verso.Announcement{}, verso.ErrNotFound
	}
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "reading %s", path)
	}
	var pf pointerFile
	if err = json.Unmarshal(b, &pf); err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "decoding %s", path)
	}
	return verso.Announcement{Version: pf.Version, Pin: pf.Pin}, nil
}

// File lock must be held.
func (s *Store) writePointer(ns string, a verso.Announcement) error {
	b, err := json.Marshal(pointerFile{Version: a.Version, Pin: a.Pin})
	if err != nil {
		return errors.Wrapf(err, "encoding pointer for %s", ns)
	}
	return writeFile(s.pointerpath(ns), func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(_ context.Context, ns string, v verso.Version) error {
	if err := s.lockPointer(ns); err != nil {
		return errors.Wrapf(err, "locking pointer for %s", ns)
	}
	defer s.unlockPointer(ns)

	a, err := s.readPointer(ns)
	if err != nil && !errors.Is(err, verso.ErrNotFound) {
		return err
	}
	a.Version = v
	return s.writePointer(ns, a)
}

// Pin implements verso.PointerStore.
func (s *Store) Pin(_ context.Context, ns string, v *verso.Version) error {
	if err := s.lockPointer(ns); err != nil {
		return errors.Wrapf(err, "locking pointer for %s", ns)
	}
	defer s.unlockPointer(ns)

	a, err := s.readPointer(ns)
	if err != nil {
		return err
	}
	a.Pin = v
	return s.writePointer(ns, a)
}

// ListPointers implements verso.PointerLister.
// Namespaces are produced in lexicographic order.
func (s *Store) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	entries, err := os.ReadDir(s.pointerroot())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", s.pointerroot())
	}

	var namespaces []string
	for _, entry := range entries {
		base := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, ".") {
			continue
		}
		ns, err := url.PathUnescape(strings.TrimSuffix(base, ".json"))
		if err != nil {
			continue
		}
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
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
	return nil
}

func init() {
	factory := func(_ context.Context, conf map[string]interface{}) (*Store, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	}
	store.RegisterObjects("file", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		return factory(ctx, conf)
	})
	store.RegisterPointers("file", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		return factory(ctx, conf)
	})
}
