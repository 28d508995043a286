package store_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/verso"
	. "github.com/bobg/verso/store"
	"github.com/bobg/verso/store/mem"
)

func TestSyncPointers(t *testing.T) {
	ctx := context.Background()

	pin := func(v verso.Version) *verso.Version { return &v }

	var (
		a = mem.New()
		b = mem.New()
		c = mem.New()
	)

	setup := []struct {
		s   *mem.Store
		ns  string
		v   verso.Version
		pin *verso.Version
	}{
		{a, "movies", 30, pin(20)},
		{b, "movies", 20, nil},
		{b, "actors", 5, nil},
		{c, "actors", 7, nil},
		{c, "shows", 1, nil},
	}
	for _, x := range setup {
		if err := x.s.Announce(ctx, x.ns, x.v); err != nil {
			t.Fatal(err)
		}
		if x.pin != nil {
			if err := x.s.Pin(ctx, x.ns, x.pin); err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := SyncPointers(ctx, []ListablePointerStore{a, b, c}); err != nil {
		t.Fatal(err)
	}

	want := map[string]verso.Announcement{
		"actors": {Version: 7},
		"movies": {Version: 30, Pin: pin(20)},
		"shows":  {Version: 1},
	}

	for i, s := range []*mem.Store{a, b, c} {
		got := make(map[string]verso.Announcement)
		err := s.ListPointers(ctx, func(ns string, a verso.Announcement) error {
			got[ns] = a
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("store %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestSyncUnpins(t *testing.T) {
	ctx := context.Background()
	a, b := mem.New(), mem.New()

	v := verso.Version(3)
	for _, s := range []*mem.Store{a, b} {
		if err := s.Announce(ctx, "ns", 4); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Pin(ctx, "ns", &v); err != nil {
		t.Fatal(err)
	}
	if err := a.Announce(ctx, "ns", 5); err != nil {
		t.Fatal(err)
	}

	if err := SyncPointers(ctx, []ListablePointerStore{a, b}); err != nil {
		t.Fatal(err)
	}

	got, err := b.GetPointer(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(verso.Announcement{Version: 5}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
