package replica

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store/mem"
	"github.com/bobg/verso/testutil"
)

func TestReplicaSets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		m1 = mem.New()
		m2 = mem.New()
		s  = New(ctx, []verso.ObjectStore{m1, m2}, nil, 1)
	)

	put := func(st verso.ObjectStore, name string) {
		if err := st.Put(ctx, name, strings.NewReader(name), nil); err != nil {
			t.Fatal(err)
		}
	}
	put(m1, "ns/delta-1")
	put(m2, "ns/delta-2")
	put(s, "ns/delta-3")

	if diff := cmp.Diff([]string{"ns/delta-1", "ns/delta-3"}, m1.Names()); diff != "" {
		t.Errorf("m1 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ns/delta-2", "ns/delta-3"}, m2.Names()); diff != "" {
		t.Errorf("m2 mismatch (-want +got):\n%s", diff)
	}

	// Reads fall through to whichever replica has the object.
	for _, name := range []string{"ns/delta-1", "ns/delta-2", "ns/delta-3"} {
		rc, err := s.Open(ctx, name)
		if err != nil {
			t.Fatalf("Open %s: %s", name, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != name {
			t.Errorf("got %q, want %q", got, name)
		}
	}
	if _, err := s.Stat(ctx, "ns/delta-4"); !errors.Is(err, verso.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestAsync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		m1 = mem.New()
		m2 = mem.New()
		s  = New(ctx, []verso.ObjectStore{m1}, []verso.ObjectStore{m2}, 1)
	)
	defer s.Close()

	if err := s.Put(ctx, "ns/snapshot-1", strings.NewReader("x"), map[string]string{verso.ToStateKey: "1"}); err != nil {
		t.Fatal(err)
	}
	require.Eventually(t, func() bool {
		info, err := m2.Stat(ctx, "ns/snapshot-1")
		return err == nil && info.Metadata[verso.ToStateKey] == "1"
	}, 2*time.Second, time.Millisecond)
}

type failingStore struct {
	*mem.Store
}

func (failingStore) Put(context.Context, string, io.Reader, map[string]string) error {
	return errors.New("disk full")
}

func TestAsyncFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, []verso.ObjectStore{mem.New()}, []verso.ObjectStore{failingStore{Store: mem.New()}}, 1)
	defer s.Close()

	if err := s.Put(ctx, "ns/delta-1", strings.NewReader("x"), nil); err != nil {
		t.Fatal(err)
	}
	require.Eventually(t, func() bool {
		_, err := s.Stat(ctx, "ns/delta-1")
		return err != nil && !errors.Is(err, verso.ErrNotFound)
	}, 2*time.Second, time.Millisecond)
}

func TestObjects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		m1 = mem.New()
		m2 = mem.New()
		s  = New(ctx, []verso.ObjectStore{m1, m2}, nil, 1)
	)

	testutil.Objects(ctx, t, s)
}
