package producer

import (
	"bytes"
	"context"
	"log"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/verso"
	"github.com/bobg/verso/codec"
	"github.com/bobg/verso/consumer"
	"github.com/bobg/verso/retriever"
)

var _ Committer = &Producer{}

// ErrAlreadyPublished is the error returned when publishing a version
// would replace a blob published for a different one.
var ErrAlreadyPublished = errors.New("blob already published")

// Producer commits staged states to an object store and announces them in a pointer store.
//
// A cycle whose encoded state is byte-for-byte identical to the previous one
// publishes nothing:
// no new version,
// no blobs,
// and no change to the announcement.
//
// Otherwise the new version is published as
//   - a snapshot, {ns}/snapshot-{new}
//     (every state, or every Nth one; see WithStatesBetweenSnapshots),
//   - a delta from the previous version, {ns}/delta-{prev},
//   - a reverse delta back to the previous version, {ns}/reversedelta-{new},
//
// after which snapshot versions are added to the index
// and the new version is announced.
type Producer struct {
	objs   verso.ObjectStore
	ptrs   verso.PointerStore
	ns     string
	codec  codec.Codec
	clock  clock.Clock
	logger *log.Logger

	statesBetweenSnapshots int

	version           verso.Version
	state             []byte
	sinceLastSnapshot int
	pending           *pendingVersion
}

// Option is the type of an option to New.
type Option func(*Producer)

// WithCodec sets the producer's codec.
// The default is codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(p *Producer) { p.codec = c }
}

// WithClock sets the time source from which versions are derived.
func WithClock(c clock.Clock) Option {
	return func(p *Producer) { p.clock = c }
}

// WithLogger sets the producer's logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Producer) { p.logger = l }
}

// WithStatesBetweenSnapshots makes the producer publish a snapshot
// only after n states without one.
// Readers reach the states in between through deltas
// (or, starting cold, through the snapshot index).
// The default, 0, publishes a snapshot for every state.
func WithStatesBetweenSnapshots(n int) Option {
	return func(p *Producer) { p.statesBetweenSnapshots = n }
}

// New produces a new Producer publishing namespace ns.
func New(objs verso.ObjectStore, ptrs verso.PointerStore, ns string, opts ...Option) *Producer {
	p := &Producer{
		objs:   objs,
		ptrs:   ptrs,
		ns:     ns,
		codec:  codec.JSON{},
		clock:  clock.New(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Version is the most recently committed (or restored) version.
func (p *Producer) Version() verso.Version {
	return p.version
}

// Restore implements Committer.
// It loads version v from the producer's own object store.
func (p *Producer) Restore(ctx context.Context, v verso.Version) error {
	c := consumer.New(retriever.New(p.objs, p.ns), p.codec, consumer.WithLogger(p.logger))
	if err := c.Refresh(ctx, v); err != nil {
		return err
	}
	p.version, p.state = c.Current()
	p.pending = nil
	return nil
}

// RunCycle implements Committer.
//
// A version whose publication or announcement failed stays pending.
// The next cycle finishes it first, under the same version number
// and with the same contents,
// so nothing already written is written differently.
func (p *Producer) RunCycle(ctx context.Context, populate Populator) (verso.Version, bool, error) {
	ws := newWriteState()
	if err := populate(ctx, ws); err != nil {
		return p.version, false, err
	}

	next, err := p.codec.Encode(ws.recs)
	if err != nil {
		return p.version, false, errors.Wrap(err, "encoding state")
	}

	var finished bool
	if p.pending != nil {
		if err = p.commitPending(ctx); err != nil {
			return p.version, false, err
		}
		finished = true
	}

	if p.state != nil && bytes.Equal(next, p.state) {
		if !finished {
			p.logger.Printf("%s: no changes, version remains %d", p.ns, p.version)
		}
		return p.version, finished, nil
	}

	p.pending = &pendingVersion{version: p.nextVersion(), state: next}
	if err = p.commitPending(ctx); err != nil {
		return p.version, false, err
	}
	return p.version, true, nil
}

// pendingVersion is a version chosen by a cycle but not yet announced.
type pendingVersion struct {
	version   verso.Version
	state     []byte
	published bool
	snapshot  bool
}

// commitPending publishes (unless already done) and announces the pending version,
// then makes it current.
// On failure the version remains pending.
func (p *Producer) commitPending(ctx context.Context) error {
	pd := p.pending
	if !pd.published {
		snapshot, err := p.publish(ctx, pd.version, pd.state)
		if err != nil {
			return errors.Wrapf(err, "publishing version %d", pd.version)
		}
		pd.published, pd.snapshot = true, snapshot
	}
	if err := p.ptrs.Announce(ctx, p.ns, pd.version); err != nil {
		return errors.Wrapf(err, "announcing version %d", pd.version)
	}

	p.logger.Printf("%s: published version %d (previous %d)", p.ns, pd.version, p.version)

	p.version, p.state = pd.version, pd.state
	if pd.snapshot {
		p.sinceLastSnapshot = 0
	} else {
		p.sinceLastSnapshot++
	}
	p.pending = nil
	return nil
}

// nextVersion derives a version from the clock,
// strictly greater than the current one.
func (p *Producer) nextVersion() verso.Version {
	v := verso.Version(p.clock.Now().UnixNano() / 1e6)
	if v <= p.version {
		v = p.version + 1
	}
	return v
}

// publish writes the blobs for version v
// and reports whether one of them was a snapshot.
func (p *Producer) publish(ctx context.Context, v verso.Version, next []byte) (bool, error) {
	var (
		prev, prevState = p.version, p.state
		snapshot        = prevState == nil || p.sinceLastSnapshot >= p.statesBetweenSnapshots
	)

	eg, ctx2 := errgroup.WithContext(ctx)

	if snapshot {
		eg.Go(func() error {
			return p.putBlob(ctx2, verso.Snapshot, v, 0, v, next)
		})
	}
	if prevState != nil {
		eg.Go(func() error {
			delta, err := p.codec.Diff(prevState, next)
			if err != nil {
				return errors.Wrap(err, "computing delta")
			}
			return p.putBlob(ctx2, verso.Delta, prev, prev, v, delta)
		})
		eg.Go(func() error {
			reverse, err := p.codec.Diff(next, prevState)
			if err != nil {
				return errors.Wrap(err, "computing reverse delta")
			}
			return p.putBlob(ctx2, verso.ReverseDelta, v, v, prev, reverse)
		})
	}

	if err := eg.Wait(); err != nil {
		return false, err
	}

	if snapshot {
		if err := p.addToIndex(ctx, v); err != nil {
			return false, err
		}
	}
	return snapshot, nil
}

// putBlob stores a blob named for (kind, nameV)
// with provenance metadata for from and to.
// Published blobs are immutable:
// if the name is taken by a blob with different provenance,
// putBlob fails with ErrAlreadyPublished,
// and if it is taken by one with the same provenance
// (from an earlier attempt at the same version)
// it is left alone.
func (p *Producer) putBlob(ctx context.Context, kind verso.Kind, nameV, from, to verso.Version, data []byte) error {
	var (
		name = verso.ObjectName(p.ns, kind, nameV)
		meta = map[string]string{verso.ToStateKey: to.String()}
	)
	if kind != verso.Snapshot {
		meta[verso.FromStateKey] = from.String()
	}

	info, err := p.objs.Stat(ctx, name)
	switch {
	case errors.Is(err, verso.ErrNotFound):
	case err != nil:
		return errors.Wrapf(err, "checking for existing %s", name)
	case sameProvenance(info.Metadata, meta):
		return nil
	default:
		return errors.Wrapf(ErrAlreadyPublished, "%s (from_state %q, to_state %q)", name, info.Metadata[verso.FromStateKey], info.Metadata[verso.ToStateKey])
	}

	err = p.objs.Put(ctx, name, bytes.NewReader(data), meta)
	return errors.Wrapf(err, "storing %s", name)
}

func sameProvenance(have, want map[string]string) bool {
	for _, k := range []string{verso.FromStateKey, verso.ToStateKey} {
		if have[k] != want[k] {
			return false
		}
	}
	return true
}

func (p *Producer) addToIndex(ctx context.Context, v verso.Version) error {
	index, err := retriever.New(p.objs, p.ns).Index(ctx)
	if err != nil {
		return errors.Wrap(err, "reading snapshot index")
	}
	index = verso.AppendIndex(index, v)

	buf := new(bytes.Buffer)
	if err = verso.EncodeIndex(buf, index); err != nil {
		return err
	}
	name := verso.IndexObjectName(p.ns)
	err = p.objs.Put(ctx, name, buf, nil)
	return errors.Wrapf(err, "storing %s", name)
}
