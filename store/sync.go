package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/verso"
)

// ListablePointerStore is a PointerStore that can enumerate its namespaces.
type ListablePointerStore interface {
	verso.PointerStore
	verso.PointerLister
}

// SyncPointers synchronizes the announcements in two or more pointer stores.
// It runs ListPointers on all input stores.
// For each namespace, the announcement with the highest version wins,
// and is copied (pin included) to the stores where it's missing or older.
// Objects are not copied;
// the stores are presumed to describe blobs in a shared object store.
func SyncPointers(ctx context.Context, stores []ListablePointerStore) error {
	if len(stores) < 2 {
		return nil
	}

	lists := make([]map[string]verso.Announcement, len(stores))

	eg, ctx2 := errgroup.WithContext(ctx)
	for i, s := range stores {
		i, s := i, s
		m := make(map[string]verso.Announcement)
		lists[i] = m
		eg.Go(func() error {
			return s.ListPointers(ctx2, func(ns string, a verso.Announcement) error {
				m[ns] = a
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "listing pointers")
	}

	winners := make(map[string]verso.Announcement)
	for _, m := range lists {
		for ns, a := range m {
			if w, ok := winners[ns]; !ok || a.Version > w.Version {
				winners[ns] = a
			}
		}
	}

	namespaces := make([]string, 0, len(winners))
	for ns := range winners {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	eg, ctx2 = errgroup.WithContext(ctx)
	for i, s := range stores {
		i, s := i, s
		eg.Go(func() error {
			for _, ns := range namespaces {
				want := winners[ns]
				have, ok := lists[i][ns]
				if ok && have.Version == want.Version && samePin(have.Pin, want.Pin) {
					continue
				}
				if !ok || have.Version != want.Version {
					if err := s.Announce(ctx2, ns, want.Version); err != nil {
						return errors.Wrapf(err, "announcing %d in %s in store %d", want.Version, ns, i)
					}
				}
				if !ok || !samePin(have.Pin, want.Pin) {
					if err := s.Pin(ctx2, ns, want.Pin); err != nil {
						return errors.Wrapf(err, "pinning %s in store %d", ns, i)
					}
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

func samePin(a, b *verso.Version) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Listable checks that s can enumerate its namespaces.
func Listable(s verso.PointerStore) (ListablePointerStore, error) {
	ls, ok := s.(ListablePointerStore)
	if !ok {
		return nil, fmt.Errorf("%T is not a verso.PointerLister", s)
	}
	return ls, nil
}
