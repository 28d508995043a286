package retriever

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store/mem"
)

func put(t *testing.T, s verso.ObjectStore, name, content string, meta map[string]string) {
	t.Helper()
	if err := s.Put(context.Background(), name, strings.NewReader(content), meta); err != nil {
		t.Fatal(err)
	}
}

func putSnapshot(t *testing.T, s verso.ObjectStore, v verso.Version) {
	t.Helper()
	put(t, s, verso.ObjectName("ns", verso.Snapshot, v), fmt.Sprintf("state %d", v), map[string]string{verso.ToStateKey: v.String()})
}

func putIndex(t *testing.T, s verso.ObjectStore, versions ...verso.Version) {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := verso.EncodeIndex(buf, versions); err != nil {
		t.Fatal(err)
	}
	put(t, s, verso.IndexObjectName("ns"), buf.String(), nil)
}

func TestSnapshot(t *testing.T) {
	s := mem.New()
	putSnapshot(t, s, 10)
	putSnapshot(t, s, 25)
	putSnapshot(t, s, 40)
	putIndex(t, s, 10, 25, 40)

	cases := []struct {
		desired verso.Version
		want    verso.Version // 0 means not found
	}{
		{desired: 40, want: 40},
		{desired: 33, want: 25},
		{desired: 25, want: 25},
		{desired: 1000, want: 40},
		{desired: 5},
	}

	r := New(s, "ns")
	ctx := context.Background()

	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			b, err := r.Snapshot(ctx, c.desired)
			if c.want == 0 {
				if !errors.Is(err, verso.ErrNotFound) {
					t.Fatalf("got %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if b.To != c.want {
				t.Errorf("got snapshot %d, want %d", b.To, c.want)
			}
			got, err := b.ReadAll(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if want := fmt.Sprintf("state %d", c.want); string(got) != want {
				t.Errorf("got content %q, want %q", got, want)
			}
		})
	}
}

func TestSnapshotNoIndex(t *testing.T) {
	s := mem.New()
	putSnapshot(t, s, 10)

	r := New(s, "ns")
	if _, err := r.Snapshot(context.Background(), 11); !errors.Is(err, verso.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSnapshotIndexedButMissing(t *testing.T) {
	s := mem.New()
	putSnapshot(t, s, 10)
	putIndex(t, s, 10, 20)

	r := New(s, "ns")
	if _, err := r.Snapshot(context.Background(), 20); !errors.Is(err, verso.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	// An indexed snapshot below the desired version that has gone missing is also not found.
	s.Delete(verso.ObjectName("ns", verso.Snapshot, 10))
	if _, err := r.Snapshot(context.Background(), 15); !errors.Is(err, verso.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCorruptIndex(t *testing.T) {
	s := mem.New()
	put(t, s, verso.IndexObjectName("ns"), "\x80\x01", nil)

	r := New(s, "ns")
	if _, err := r.Snapshot(context.Background(), 7); !errors.Is(err, verso.ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt", err)
	}
}

func TestDeltas(t *testing.T) {
	s := mem.New()
	put(t, s, verso.ObjectName("ns", verso.Delta, 10), "forward", map[string]string{verso.FromStateKey: "10", verso.ToStateKey: "20"})
	put(t, s, verso.ObjectName("ns", verso.ReverseDelta, 20), "backward", map[string]string{verso.FromStateKey: "20", verso.ToStateKey: "10"})

	r := New(s, "ns")
	ctx := context.Background()

	d, err := r.Delta(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != verso.Delta || d.From != 10 || d.To != 20 {
		t.Errorf("got %s %d->%d, want delta 10->20", d.Kind, d.From, d.To)
	}

	rd, err := r.ReverseDelta(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	if rd.Kind != verso.ReverseDelta || rd.From != 20 || rd.To != 10 {
		t.Errorf("got %s %d->%d, want reversedelta 20->10", rd.Kind, rd.From, rd.To)
	}

	if _, err = r.Delta(ctx, 20); !errors.Is(err, verso.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if _, err = r.ReverseDelta(ctx, 10); !errors.Is(err, verso.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCorruptMetadata(t *testing.T) {
	cases := []struct {
		kind verso.Kind
		v    verso.Version
		meta map[string]string
	}{
		{kind: verso.Snapshot, v: 5, meta: nil},
		{kind: verso.Snapshot, v: 5, meta: map[string]string{verso.ToStateKey: "6"}},
		{kind: verso.Snapshot, v: 5, meta: map[string]string{verso.ToStateKey: "five"}},
		{kind: verso.Delta, v: 5, meta: map[string]string{verso.ToStateKey: "6"}},
		{kind: verso.Delta, v: 5, meta: map[string]string{verso.FromStateKey: "4", verso.ToStateKey: "6"}},
		{kind: verso.Delta, v: 5, meta: map[string]string{verso.FromStateKey: "5", verso.ToStateKey: "3"}},
		{kind: verso.ReverseDelta, v: 5, meta: map[string]string{verso.FromStateKey: "5", verso.ToStateKey: "8"}},
	}

	ctx := context.Background()

	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			s := mem.New()
			put(t, s, verso.ObjectName("ns", c.kind, c.v), "x", c.meta)

			r := New(s, "ns")
			var err error
			switch c.kind {
			case verso.Snapshot:
				_, err = r.Snapshot(ctx, c.v)
			case verso.Delta:
				_, err = r.Delta(ctx, c.v)
			case verso.ReverseDelta:
				_, err = r.ReverseDelta(ctx, c.v)
			}
			if !errors.Is(err, verso.ErrCorrupt) {
				t.Errorf("got %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestTempFileRemoved(t *testing.T) {
	s := mem.New()
	putSnapshot(t, s, 3)

	r := New(s, "ns")
	r.TempDir = t.TempDir()
	ctx := context.Background()

	b, err := r.Snapshot(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}

	// Each Open is a fresh download.
	for i := 0; i < 2; i++ {
		rc, err := b.Open(ctx)
		if err != nil {
			t.Fatal(err)
		}
		entries, err := os.ReadDir(r.TempDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("got %d temp files during read, want 1", len(entries))
		}
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "state 3" {
			t.Errorf("got %q, want %q", got, "state 3")
		}
		if err = rc.Close(); err != nil {
			t.Fatal(err)
		}
		entries, err = os.ReadDir(r.TempDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("got %d temp files after close, want 0", len(entries))
		}
	}
}
