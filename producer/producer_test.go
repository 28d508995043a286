package producer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/bobg/verso"
	"github.com/bobg/verso/codec"
	"github.com/bobg/verso/consumer"
	"github.com/bobg/verso/retriever"
	"github.com/bobg/verso/store/mem"
)

var quiet = log.New(io.Discard, "", 0)

func populateWith(recs map[string]interface{}) Populator {
	return func(_ context.Context, ws WriteState) error {
		for k, v := range recs {
			if err := ws.Add(k, v); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestNoOpCycle(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	p := New(s, s, "ns", WithLogger(quiet), WithClock(clock.NewMock()))

	recs := map[string]interface{}{"a": 1, "b": "two"}
	v1, published, err := p.RunCycle(ctx, populateWith(recs))
	if err != nil {
		t.Fatal(err)
	}
	if !published {
		t.Fatal("first cycle did not publish")
	}
	names := s.Names()

	v2, published, err := p.RunCycle(ctx, populateWith(recs))
	if err != nil {
		t.Fatal(err)
	}
	if published {
		t.Error("unchanged cycle published")
	}
	if v2 != v1 {
		t.Errorf("got version %d after unchanged cycle, want %d", v2, v1)
	}
	if diff := cmp.Diff(names, s.Names()); diff != "" {
		t.Errorf("objects changed by unchanged cycle (-want +got):\n%s", diff)
	}
	a, err := s.GetPointer(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != v1 {
		t.Errorf("got announcement %d, want %d", a.Version, v1)
	}
}

func TestPublishedBlobs(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	mock := clock.NewMock()
	mock.Add(time.Hour)
	p := New(s, s, "ns", WithLogger(quiet), WithClock(mock))

	v1, _, err := p.RunCycle(ctx, populateWith(map[string]interface{}{"a": 1}))
	if err != nil {
		t.Fatal(err)
	}
	if v1 != verso.Version(time.Hour/time.Millisecond) {
		t.Errorf("got version %d, want clock milliseconds", v1)
	}

	// The clock has not moved, so the next version must still increase.
	v2, _, err := p.RunCycle(ctx, populateWith(map[string]interface{}{"a": 2}))
	if err != nil {
		t.Fatal(err)
	}
	if v2 != v1+1 {
		t.Errorf("got version %d, want %d", v2, v1+1)
	}

	want := []string{
		verso.ObjectName("ns", verso.Delta, v1),
		verso.ObjectName("ns", verso.ReverseDelta, v2),
		verso.ObjectName("ns", verso.Snapshot, v1),
		verso.ObjectName("ns", verso.Snapshot, v2),
		verso.IndexObjectName("ns"),
	}
	if diff := cmp.Diff(want, s.Names()); diff != "" {
		t.Errorf("objects mismatch (-want +got):\n%s", diff)
	}

	r := retriever.New(s, "ns")
	index, err := r.Index(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]verso.Version{v1, v2}, index); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	d, err := r.Delta(ctx, v1)
	if err != nil {
		t.Fatal(err)
	}
	if d.From != v1 || d.To != v2 {
		t.Errorf("got delta %d->%d, want %d->%d", d.From, d.To, v1, v2)
	}
	rd, err := r.ReverseDelta(ctx, v2)
	if err != nil {
		t.Fatal(err)
	}
	if rd.From != v2 || rd.To != v1 {
		t.Errorf("got reverse delta %d->%d, want %d->%d", rd.From, rd.To, v2, v1)
	}
}

func TestSnapshotFallback(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	p := New(s, s, "ns", WithLogger(quiet), WithClock(clock.NewMock()), WithStatesBetweenSnapshots(2))

	var (
		versions []verso.Version
		states   [][]byte
	)
	for i := 1; i <= 4; i++ {
		v, _, err := p.RunCycle(ctx, populateWith(map[string]interface{}{"n": i, fmt.Sprintf("k%d", i): true}))
		if err != nil {
			t.Fatal(err)
		}
		versions = append(versions, v)
		states = append(states, p.state)
	}

	index, err := retriever.New(s, "ns").Index(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]verso.Version{versions[0], versions[3]}, index); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	for i, v := range versions {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			c := consumer.New(retriever.New(s, "ns"), codec.JSON{}, consumer.WithLogger(quiet))
			if err := c.Refresh(ctx, v); err != nil {
				t.Fatal(err)
			}
			gotV, got := c.Current()
			if gotV != v {
				t.Errorf("got version %d, want %d", gotV, v)
			}
			if !bytes.Equal(got, states[i]) {
				t.Errorf("got state %s, want %s", got, states[i])
			}
		})
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	recs := map[string]interface{}{"x": []interface{}{"y", "z"}}

	p1 := New(s, s, "ns", WithLogger(quiet))
	v1, _, err := p1.RunCycle(ctx, populateWith(recs))
	if err != nil {
		t.Fatal(err)
	}

	p2 := New(s, s, "ns", WithLogger(quiet))
	sched := NewScheduler(p2, WithSchedulerLogger(quiet))
	if err := sched.Restore(ctx, s, "ns"); err != nil {
		t.Fatal(err)
	}
	if p2.Version() != v1 {
		t.Fatalf("restored version %d, want %d", p2.Version(), v1)
	}

	v2, published, err := sched.RunCycle(ctx, populateWith(recs))
	if err != nil {
		t.Fatal(err)
	}
	if published || v2 != v1 {
		t.Errorf("got (%d, %v) after restore, want (%d, false)", v2, published, v1)
	}
}

func TestRestoreNothingAnnounced(t *testing.T) {
	s := mem.New()
	p := New(s, s, "ns", WithLogger(quiet))
	sched := NewScheduler(p, WithSchedulerLogger(quiet))
	if err := sched.Restore(context.Background(), s, "ns"); err != nil {
		t.Fatal(err)
	}
	if p.Version() != 0 {
		t.Errorf("got version %d, want 0", p.Version())
	}
}

func TestDuplicateKey(t *testing.T) {
	s := mem.New()
	p := New(s, s, "ns", WithLogger(quiet))
	_, _, err := p.RunCycle(context.Background(), func(_ context.Context, ws WriteState) error {
		if err := ws.Add("k", 1); err != nil {
			return err
		}
		return ws.Add("k", 2)
	})
	if err == nil {
		t.Fatal("got no error for duplicate key")
	}
	if len(s.Names()) != 0 {
		t.Errorf("got objects %v after failed cycle", s.Names())
	}
}

func TestCadence(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	mock := clock.NewMock()
	p := New(s, s, "ns", WithLogger(quiet), WithClock(mock))
	sched := NewScheduler(p, WithSchedulerClock(mock), WithSchedulerLogger(quiet))

	if _, _, err := sched.RunCycle(ctx, populateWith(map[string]interface{}{"a": 1})); err != nil {
		t.Fatal(err)
	}
	first := sched.LastStart()

	done := make(chan error, 1)
	go func() {
		_, _, err := sched.RunCycle(ctx, populateWith(map[string]interface{}{"a": 2}))
		done <- err
	}()

	mock.Add(DefaultMinInterval / 2)
	select {
	case err := <-done:
		t.Fatalf("second cycle started early (err %v)", err)
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(DefaultMinInterval / 2)
	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			if err != nil {
				t.Error(err)
			}
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	if got := sched.LastStart().Sub(first); got < DefaultMinInterval {
		t.Errorf("cycles started %s apart, want at least %s", got, DefaultMinInterval)
	}
}

func TestCadenceCanceled(t *testing.T) {
	mock := clock.NewMock()
	s := mem.New()
	sched := NewScheduler(New(s, s, "ns", WithLogger(quiet), WithClock(mock)), WithSchedulerClock(mock), WithSchedulerLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	if _, _, err := sched.RunCycle(ctx, populateWith(nil)); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, _, err := sched.RunCycle(ctx, populateWith(nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestRunForeverPopulateError(t *testing.T) {
	mock := clock.NewMock()
	s := mem.New()
	sched := NewScheduler(New(s, s, "ns", WithLogger(quiet), WithClock(mock)), WithSchedulerClock(mock), WithMinInterval(0), WithSchedulerLogger(quiet))

	boom := errors.New("boom")
	calls := 0
	err := sched.RunForever(context.Background(), func(_ context.Context, ws WriteState) error {
		calls++
		if calls == 3 {
			return boom
		}
		return ws.Add("calls", calls)
	})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

type failingPointers struct {
	*mem.Store
	failures int
}

func (f *failingPointers) Announce(ctx context.Context, ns string, v verso.Version) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("announce failed")
	}
	return f.Store.Announce(ctx, ns, v)
}

func TestRunForeverCommitErrorNotFatal(t *testing.T) {
	mock := clock.NewMock()
	s := mem.New()
	ptrs := &failingPointers{Store: s, failures: 1}
	buf := new(bytes.Buffer)
	sched := NewScheduler(New(s, ptrs, "ns", WithLogger(quiet), WithClock(mock)), WithSchedulerClock(mock), WithMinInterval(0), WithSchedulerLogger(log.New(buf, "", 0)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := sched.RunForever(ctx, func(_ context.Context, ws WriteState) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ws.Add("k", "v")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("ERROR in cycle")) {
		t.Errorf("commit failure not logged; log is %q", buf.String())
	}
	if _, err := s.GetPointer(context.Background(), "ns"); err != nil {
		t.Errorf("no announcement after retry: %s", err)
	}
}

func TestRestoreIgnoresPin(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	mock := clock.NewMock()
	mock.Add(time.Hour)

	p1 := New(s, s, "ns", WithLogger(quiet), WithClock(mock))
	v1, _, err := p1.RunCycle(ctx, populateWith(map[string]interface{}{"a": 1}))
	if err != nil {
		t.Fatal(err)
	}
	mock.Add(time.Second)
	v2, _, err := p1.RunCycle(ctx, populateWith(map[string]interface{}{"a": 2}))
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Pin(ctx, "ns", &v1); err != nil {
		t.Fatal(err)
	}

	p2 := New(s, s, "ns", WithLogger(quiet), WithClock(mock))
	sched := NewScheduler(p2, WithSchedulerLogger(quiet), WithSchedulerClock(mock), WithMinInterval(0))
	if err = sched.Restore(ctx, s, "ns"); err != nil {
		t.Fatal(err)
	}
	if p2.Version() != v2 {
		t.Fatalf("restored version %d, want %d", p2.Version(), v2)
	}

	mock.Add(time.Second)
	v3, published, err := sched.RunCycle(ctx, populateWith(map[string]interface{}{"a": 3}))
	if err != nil {
		t.Fatal(err)
	}
	if !published {
		t.Fatal("changed cycle did not publish")
	}

	r := retriever.New(s, "ns")
	for _, want := range []struct{ from, to verso.Version }{{v1, v2}, {v2, v3}} {
		d, err := r.Delta(ctx, want.from)
		if err != nil {
			t.Fatal(err)
		}
		if d.To != want.to {
			t.Errorf("delta from %d goes to %d, want %d", want.from, d.To, want.to)
		}
	}

	a, err := s.GetPointer(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != v3 || a.Pin == nil || *a.Pin != v1 {
		t.Errorf("got announcement %s, want version %d pinned to %d", describe(a), v3, v1)
	}
}

func describe(a verso.Announcement) string {
	if a.Pin == nil {
		return fmt.Sprintf("%d", a.Version)
	}
	return fmt.Sprintf("%d (pin %d)", a.Version, *a.Pin)
}

func TestPublishedBlobsNotReplaced(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	mock := clock.NewMock()
	mock.Add(time.Hour)
	p := New(s, s, "ns", WithLogger(quiet), WithClock(mock))

	v1, _, err := p.RunCycle(ctx, populateWith(map[string]interface{}{"a": 1}))
	if err != nil {
		t.Fatal(err)
	}

	// Another writer has already published a successor to v1.
	name := verso.ObjectName("ns", verso.Delta, v1)
	meta := map[string]string{verso.FromStateKey: v1.String(), verso.ToStateKey: "99999999999"}
	if err = s.Put(ctx, name, bytes.NewReader([]byte(`{"a":7}`)), meta); err != nil {
		t.Fatal(err)
	}

	mock.Add(time.Second)
	_, published, err := p.RunCycle(ctx, populateWith(map[string]interface{}{"a": 2}))
	if !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("got %v, want ErrAlreadyPublished", err)
	}
	if published {
		t.Error("cycle reported publication")
	}
	if p.Version() != v1 {
		t.Errorf("got version %d, want %d", p.Version(), v1)
	}

	d, err := retriever.New(s, "ns").Delta(ctx, v1)
	if err != nil {
		t.Fatal(err)
	}
	if d.To != 99999999999 {
		t.Errorf("existing delta replaced: now goes to %d", d.To)
	}
	a, err := s.GetPointer(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != v1 {
		t.Errorf("got announcement %d, want %d", a.Version, v1)
	}
}

func TestFailedAnnounceRetriesSameVersion(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	ptrs := &failingPointers{Store: s}
	mock := clock.NewMock()
	mock.Add(time.Hour)
	p := New(s, ptrs, "ns", WithLogger(quiet), WithClock(mock))

	v1, _, err := p.RunCycle(ctx, populateWith(map[string]interface{}{"a": 1}))
	if err != nil {
		t.Fatal(err)
	}

	ptrs.failures = 1
	mock.Add(time.Second)
	if _, _, err = p.RunCycle(ctx, populateWith(map[string]interface{}{"a": 2})); err == nil {
		t.Fatal("expected an announce failure")
	}
	v2 := v1 + 1000

	r := retriever.New(s, "ns")
	before, err := r.Delta(ctx, v1)
	if err != nil {
		t.Fatal(err)
	}
	if before.To != v2 {
		t.Fatalf("delta from %d goes to %d, want %d", v1, before.To, v2)
	}
	beforeData, err := before.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// The next cycle has different data and a later clock,
	// but must finish v2 before publishing anything new.
	mock.Add(time.Second)
	v3, published, err := p.RunCycle(ctx, populateWith(map[string]interface{}{"a": 3}))
	if err != nil {
		t.Fatal(err)
	}
	if !published || v3 <= v2 {
		t.Errorf("got (%d, %v), want a version after %d", v3, published, v2)
	}

	after, err := r.Delta(ctx, v1)
	if err != nil {
		t.Fatal(err)
	}
	afterData, err := after.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.To != v2 || !bytes.Equal(beforeData, afterData) {
		t.Errorf("delta from %d changed: was %s to %d, now %s to %d", v1, beforeData, v2, afterData, after.To)
	}
	next, err := r.Delta(ctx, v2)
	if err != nil {
		t.Fatal(err)
	}
	if next.To != v3 {
		t.Errorf("delta from %d goes to %d, want %d", v2, next.To, v3)
	}

	a, err := s.GetPointer(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != v3 {
		t.Errorf("got announcement %d, want %d", a.Version, v3)
	}
}

func TestFailedAnnounceUnchangedData(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	ptrs := &failingPointers{Store: s, failures: 1}
	p := New(s, ptrs, "ns", WithLogger(quiet), WithClock(clock.NewMock()))

	recs := map[string]interface{}{"a": 1}
	if _, _, err := p.RunCycle(ctx, populateWith(recs)); err == nil {
		t.Fatal("expected an announce failure")
	}
	if p.Version() != 0 {
		t.Fatalf("got version %d before announcement, want 0", p.Version())
	}

	v, published, err := p.RunCycle(ctx, populateWith(recs))
	if err != nil {
		t.Fatal(err)
	}
	if !published || v != 1 {
		t.Errorf("got (%d, %v), want (1, true)", v, published)
	}
	a, err := s.GetPointer(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != v {
		t.Errorf("got announcement %d, want %d", a.Version, v)
	}
}
