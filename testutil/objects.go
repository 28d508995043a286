// Package testutil contains conformance tests shared by the store implementations.
package testutil

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
)

// Objects permits testing an ObjectStore implementation
// by writing some objects with metadata
// and reading them back.
func Objects(ctx context.Context, t *testing.T, store verso.ObjectStore) {
	t.Helper()

	var (
		snapName  = verso.ObjectName("testns", verso.Snapshot, 17)
		deltaName = verso.ObjectName("testns", verso.Delta, 17)
		snapData  = []byte(strings.Repeat("snapshot data ", 1000))
		deltaData = []byte("delta data")
		snapMeta  = map[string]string{verso.ToStateKey: "17"}
		deltaMeta = map[string]string{verso.FromStateKey: "17", verso.ToStateKey: "18"}
	)

	_, err := store.Stat(ctx, snapName)
	if !errors.Is(err, verso.ErrNotFound) {
		t.Fatalf("got %v from Stat on empty store, want ErrNotFound", err)
	}
	_, err = store.Open(ctx, snapName)
	if !errors.Is(err, verso.ErrNotFound) {
		t.Fatalf("got %v from Open on empty store, want ErrNotFound", err)
	}

	if err = store.Put(ctx, snapName, bytes.NewReader(snapData), snapMeta); err != nil {
		t.Fatal(err)
	}
	if err = store.Put(ctx, deltaName, bytes.NewReader(deltaData), deltaMeta); err != nil {
		t.Fatal(err)
	}

	check := func(name string, wantData []byte, wantMeta map[string]string) {
		t.Helper()

		info, err := store.Stat(ctx, name)
		if err != nil {
			t.Fatalf("Stat %s: %s", name, err)
		}
		if info.Size != int64(len(wantData)) {
			t.Errorf("%s: got size %d, want %d", name, info.Size, len(wantData))
		}
		for k, v := range wantMeta {
			if got := info.Metadata[k]; got != v {
				t.Errorf("%s: got metadata %s=%q, want %q", name, k, got, v)
			}
		}

		r, err := store.Open(ctx, name)
		if err != nil {
			t.Fatalf("Open %s: %s", name, err)
		}
		defer r.Close()

		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("reading %s: %s", name, err)
		}
		if !bytes.Equal(got, wantData) {
			t.Errorf("%s: got %d bytes of data, want %d", name, len(got), len(wantData))
		}
	}

	check(snapName, snapData, snapMeta)
	check(deltaName, deltaData, deltaMeta)

	// The index object gets overwritten.
	indexName := verso.IndexObjectName("testns")
	for _, data := range [][]byte{{17}, {17, 1}} {
		if err = store.Put(ctx, indexName, bytes.NewReader(data), nil); err != nil {
			t.Fatal(err)
		}
		check(indexName, data, nil)
	}
}

// Pointers permits testing a PointerStore implementation.
func Pointers(ctx context.Context, t *testing.T, store verso.PointerStore) {
	t.Helper()

	const (
		ns1 = "testns1"
		ns2 = "testns2"
	)

	_, err := store.GetPointer(ctx, ns1)
	if !errors.Is(err, verso.ErrNotFound) {
		t.Fatalf("got %v from GetPointer on empty store, want ErrNotFound", err)
	}

	pin := verso.Version(30)
	err = store.Pin(ctx, ns1, &pin)
	if !errors.Is(err, verso.ErrNotFound) {
		t.Fatalf("got %v from Pin on empty namespace, want ErrNotFound", err)
	}

	check := func(ns string, want verso.Announcement) {
		t.Helper()

		got, err := store.GetPointer(ctx, ns)
		if err != nil {
			t.Fatalf("GetPointer %s: %s", ns, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", ns, diff)
		}
	}

	if err = store.Announce(ctx, ns1, 50); err != nil {
		t.Fatal(err)
	}
	check(ns1, verso.Announcement{Version: 50})

	if err = store.Announce(ctx, ns2, 7); err != nil {
		t.Fatal(err)
	}
	check(ns2, verso.Announcement{Version: 7})

	if err = store.Pin(ctx, ns1, &pin); err != nil {
		t.Fatal(err)
	}
	check(ns1, verso.Announcement{Version: 50, Pin: &pin})
	if got, _ := store.GetPointer(ctx, ns1); got.Latest() != 30 {
		t.Errorf("got latest %d, want 30", got.Latest())
	}

	// Announcing leaves the pin in place.
	if err = store.Announce(ctx, ns1, 60); err != nil {
		t.Fatal(err)
	}
	check(ns1, verso.Announcement{Version: 60, Pin: &pin})

	if err = store.Pin(ctx, ns1, nil); err != nil {
		t.Fatal(err)
	}
	check(ns1, verso.Announcement{Version: 60})
	check(ns2, verso.Announcement{Version: 7})

	lister, ok := store.(verso.PointerLister)
	if !ok {
		return
	}

	var got []string
	err = lister.ListPointers(ctx, func(ns string, _ verso.Announcement) error {
		if ns == ns1 || ns == ns2 {
			got = append(got, ns)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{ns1, ns2}, got); diff != "" {
		t.Errorf("ListPointers mismatch (-want +got):\n%s", diff)
	}
}
