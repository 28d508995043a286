package consumer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/codec"
	"github.com/bobg/verso/retriever"
	"github.com/bobg/verso/store/mem"
)

var quiet = log.New(io.Discard, "", 0)

// fixture holds encoded states for versions 1 through n
// and publishes blobs for them into a mem store.
type fixture struct {
	t      *testing.T
	s      *mem.Store
	states map[verso.Version][]byte
}

func newFixture(t *testing.T, n int) *fixture {
	f := &fixture{t: t, s: mem.New(), states: make(map[verso.Version][]byte)}
	for i := 1; i <= n; i++ {
		recs := codec.Records{"version": i}
		for j := 1; j <= i; j++ {
			recs[fmt.Sprintf("k%d", j)] = j * i
		}
		state, err := codec.JSON{}.Encode(recs)
		if err != nil {
			t.Fatal(err)
		}
		f.states[verso.Version(i)] = state
	}
	return f
}

func (f *fixture) put(kind verso.Kind, nameV, from, to verso.Version, data []byte) {
	meta := map[string]string{verso.ToStateKey: to.String()}
	if kind != verso.Snapshot {
		meta[verso.FromStateKey] = from.String()
	}
	if err := f.s.Put(context.Background(), verso.ObjectName("ns", kind, nameV), bytes.NewReader(data), meta); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) snapshots(versions ...verso.Version) {
	for _, v := range versions {
		f.put(verso.Snapshot, v, 0, v, f.states[v])
	}
	buf := new(bytes.Buffer)
	if err := verso.EncodeIndex(buf, versions); err != nil {
		f.t.Fatal(err)
	}
	if err := f.s.Put(context.Background(), verso.IndexObjectName("ns"), buf, nil); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) deltas(from, to verso.Version) {
	for v := from; v < to; v++ {
		d, err := codec.JSON{}.Diff(f.states[v], f.states[v+1])
		if err != nil {
			f.t.Fatal(err)
		}
		f.put(verso.Delta, v, v, v+1, d)

		rd, err := codec.JSON{}.Diff(f.states[v+1], f.states[v])
		if err != nil {
			f.t.Fatal(err)
		}
		f.put(verso.ReverseDelta, v+1, v+1, v, rd)
	}
}

func (f *fixture) consumer(opts ...Option) *Consumer {
	opts = append([]Option{WithLogger(quiet)}, opts...)
	return New(retriever.New(f.s, "ns"), codec.JSON{}, opts...)
}

func (f *fixture) check(c *Consumer, want verso.Version) {
	f.t.Helper()
	v, state := c.Current()
	if v != want {
		f.t.Errorf("got version %d, want %d", v, want)
	}
	if !bytes.Equal(state, f.states[want]) {
		f.t.Errorf("got state %s, want %s", state, f.states[want])
	}
}

func TestRefreshPaths(t *testing.T) {
	cases := []struct {
		start, target verso.Version
	}{
		{start: 0, target: 1},
		{start: 0, target: 3},
		{start: 0, target: 6},
		{start: 1, target: 5},
		{start: 5, target: 2},
		{start: 6, target: 1},
		{start: 3, target: 3},
	}

	ctx := context.Background()

	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			f := newFixture(t, 6)
			f.snapshots(1, 4)
			f.deltas(1, 6)

			cons := f.consumer()
			if c.start != 0 {
				if err := cons.Refresh(ctx, c.start); err != nil {
					t.Fatal(err)
				}
			}
			if err := cons.Refresh(ctx, c.target); err != nil {
				t.Fatal(err)
			}
			f.check(cons, c.target)
		})
	}
}

func TestBrokenChainUsesSnapshot(t *testing.T) {
	f := newFixture(t, 5)
	f.snapshots(1, 4)
	f.deltas(1, 2)
	f.deltas(4, 5)

	ctx := context.Background()
	cons := f.consumer()
	if err := cons.Refresh(ctx, 2); err != nil {
		t.Fatal(err)
	}
	// No delta from 2 to 3, so the consumer must jump to snapshot 4.
	if err := cons.Refresh(ctx, 5); err != nil {
		t.Fatal(err)
	}
	f.check(cons, 5)
}

func TestUnreachableKeepsProgress(t *testing.T) {
	f := newFixture(t, 5)
	f.snapshots(1)
	f.deltas(1, 3)

	ctx := context.Background()
	cons := f.consumer()
	err := cons.Refresh(ctx, 5)
	if !errors.Is(err, verso.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	f.check(cons, 3)
}

func TestNothingPublished(t *testing.T) {
	f := newFixture(t, 1)
	cons := f.consumer()
	if err := cons.Refresh(context.Background(), 1); !errors.Is(err, verso.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if v, _ := cons.Current(); v != 0 {
		t.Errorf("got version %d, want 0", v)
	}
}

func TestCorruptDeltaFails(t *testing.T) {
	f := newFixture(t, 2)
	f.snapshots(1)
	f.put(verso.Delta, 1, 1, 2, []byte("not json"))

	ctx := context.Background()
	cons := f.consumer()
	if err := cons.Refresh(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := cons.Refresh(ctx, 2); err == nil {
		t.Fatal("got no error applying corrupt delta")
	}
	f.check(cons, 1)
}

func TestOnUpdate(t *testing.T) {
	f := newFixture(t, 3)
	f.snapshots(1)
	f.deltas(1, 3)

	type update struct{ from, to verso.Version }
	var updates []update
	cons := f.consumer(WithOnUpdate(func(from, to verso.Version, _ []byte) {
		updates = append(updates, update{from: from, to: to})
	}))

	ctx := context.Background()
	for _, v := range []verso.Version{1, 3, 3, 2} {
		if err := cons.Refresh(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	want := []update{{0, 1}, {1, 3}, {3, 2}}
	if len(updates) != len(want) {
		t.Fatalf("got %d updates, want %d", len(updates), len(want))
	}
	for i, u := range updates {
		if u != want[i] {
			t.Errorf("update %d: got %d->%d, want %d->%d", i, u.from, u.to, want[i].from, want[i].to)
		}
	}
}

func TestRefreshInvalidTarget(t *testing.T) {
	f := newFixture(t, 1)
	if err := f.consumer().Refresh(context.Background(), 0); err == nil {
		t.Error("got no error refreshing to version 0")
	}
}
