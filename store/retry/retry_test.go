package retry

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store/mem"
	"github.com/bobg/verso/testutil"
)

var fastPolicy = Policy{MaxRetries: 3, InitialInterval: time.Millisecond}

// flaky fails the first n calls of each operation.
type flaky struct {
	*mem.Store
	n     int
	calls map[string]int
}

func newFlaky(n int) *flaky {
	return &flaky{Store: mem.New(), n: n, calls: make(map[string]int)}
}

func (f *flaky) fail(op string) bool {
	f.calls[op]++
	return f.calls[op] <= f.n
}

var errTransient = errors.New("transient")

func (f *flaky) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	if f.fail("Stat") {
		return verso.ObjectInfo{}, errTransient
	}
	return f.Store.Stat(ctx, name)
}

func (f *flaky) Put(ctx context.Context, name string, r io.Reader, meta map[string]string) error {
	if f.fail("Put") {
		// Consume some input, as a failed upload would.
		io.CopyN(io.Discard, r, 2)
		return errTransient
	}
	return f.Store.Put(ctx, name, r, meta)
}

func (f *flaky) Announce(ctx context.Context, ns string, v verso.Version) error {
	if f.fail("Announce") {
		return errTransient
	}
	return f.Store.Announce(ctx, ns, v)
}

func TestRetries(t *testing.T) {
	ctx := context.Background()
	f := newFlaky(2)
	objs := NewObjects(f, fastPolicy)
	ptrs := NewPointers(f, fastPolicy)

	if err := objs.Put(ctx, "ns/snapshot-1", bytes.NewReader([]byte("content")), map[string]string{verso.ToStateKey: "1"}); err != nil {
		t.Fatal(err)
	}
	info, err := objs.Stat(ctx, "ns/snapshot-1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len("content")) {
		t.Errorf("got size %d, want %d (retried Put must rewind)", info.Size, len("content"))
	}
	if err = ptrs.Announce(ctx, "ns", 1); err != nil {
		t.Fatal(err)
	}

	for op, want := range map[string]int{"Put": 3, "Stat": 3, "Announce": 3} {
		if got := f.calls[op]; got != want {
			t.Errorf("%s: got %d calls, want %d", op, got, want)
		}
	}
}

func TestGivesUp(t *testing.T) {
	f := newFlaky(10)
	objs := NewObjects(f, fastPolicy)
	_, err := objs.Stat(context.Background(), "ns/snapshot-1")
	if !errors.Is(err, errTransient) {
		t.Errorf("got %v, want %v", err, errTransient)
	}
	if got := f.calls["Stat"]; got != 4 {
		t.Errorf("got %d calls, want 4", got)
	}
}

func TestNotFoundIsPermanent(t *testing.T) {
	f := newFlaky(0)
	objs := NewObjects(f, fastPolicy)
	_, err := objs.Stat(context.Background(), "ns/snapshot-1")
	if !errors.Is(err, verso.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if got := f.calls["Stat"]; got != 1 {
		t.Errorf("got %d calls, want 1", got)
	}
}

func TestConformance(t *testing.T) {
	ctx := context.Background()
	testutil.Objects(ctx, t, NewObjects(mem.New(), fastPolicy))
	testutil.Pointers(ctx, t, NewPointers(mem.New(), fastPolicy))
}
