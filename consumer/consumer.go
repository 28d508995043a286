// Package consumer keeps a local copy of a dataset's state
// up to date with announced versions.
package consumer

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/announce"
	"github.com/bobg/verso/codec"
	"github.com/bobg/verso/retriever"
)

var _ announce.Subscriber = &Consumer{}

// Consumer holds one state of a dataset
// and moves it to other versions on request.
// It prefers walking the delta chain
// (forward deltas toward newer versions, reverse deltas toward older ones)
// and falls back to the nearest snapshot when the chain is broken.
type Consumer struct {
	r        *retriever.Retriever
	codec    codec.Codec
	logger   *log.Logger
	onUpdate func(from, to verso.Version, state []byte)

	mu      sync.Mutex // serializes refreshes; protects version and state
	version verso.Version
	state   []byte
}

// Option is the type of an option to New.
type Option func(*Consumer)

// WithLogger sets the consumer's logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// WithOnUpdate sets a function to call after each change of version.
// It is called with the consumer's lock held
// and must not call back into the consumer.
func WithOnUpdate(f func(from, to verso.Version, state []byte)) Option {
	return func(c *Consumer) { c.onUpdate = f }
}

// New produces a new Consumer with no state.
func New(r *retriever.Retriever, cd codec.Codec, opts ...Option) *Consumer {
	c := &Consumer{r: r, codec: cd, logger: log.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the consumer's version and state.
// The version is zero before the first successful refresh.
func (c *Consumer) Current() (verso.Version, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, c.state
}

// Follow subscribes c to w and brings c up to w's latest version.
func (c *Consumer) Follow(ctx context.Context, w *announce.Watcher) error {
	w.Subscribe(c)
	if v := w.Latest(); v != 0 {
		return c.Refresh(ctx, v)
	}
	return nil
}

// Refresh moves the consumer's state to the target version.
// It implements announce.Subscriber.
//
// When the target cannot be reached,
// the consumer keeps whatever progress it made toward it
// and returns an error wrapping verso.ErrNotFound.
func (c *Consumer) Refresh(ctx context.Context, target verso.Version) error {
	if target <= 0 {
		return errors.Errorf("cannot refresh to version %d", target)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if target == c.version {
		return nil
	}

	v, state := c.version, c.state
	if v != 0 {
		var err error
		v, state, err = c.walk(ctx, v, state, target)
		if err != nil {
			return errors.Wrapf(err, "following delta chain from %d to %d", c.version, target)
		}
	}

	if v != target {
		snapV, snapState, err := c.fromSnapshot(ctx, target)
		switch {
		case errors.Is(err, verso.ErrNotFound):
			// Keep any progress made along the delta chain.
		case err != nil:
			return err
		case v == 0 || distance(snapV, target) < distance(v, target):
			v, state = snapV, snapState
		}
	}

	if v != c.version {
		from := c.version
		c.version, c.state = v, state
		c.logger.Printf("%s: moved from version %d to %d", c.r.Namespace(), from, v)
		if c.onUpdate != nil {
			c.onUpdate(from, v, state)
		}
	}

	if v != target {
		return errors.Wrapf(verso.ErrNotFound, "%s: cannot reach version %d (reached %d)", c.r.Namespace(), target, v)
	}
	return nil
}

// fromSnapshot loads the nearest snapshot at or below target
// and walks forward deltas from there.
func (c *Consumer) fromSnapshot(ctx context.Context, target verso.Version) (verso.Version, []byte, error) {
	snap, err := c.r.Snapshot(ctx, target)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "getting snapshot for %d", target)
	}
	state, err := snap.ReadAll(ctx)
	if err != nil {
		return 0, nil, err
	}
	v, state, err := c.walk(ctx, snap.To, state, target)
	return v, state, errors.Wrapf(err, "following delta chain from snapshot %d to %d", snap.To, target)
}

// walk applies deltas (or reverse deltas) starting at version v
// until it reaches target,
// the chain ends,
// or the next step would overshoot.
func (c *Consumer) walk(ctx context.Context, v verso.Version, state []byte, target verso.Version) (verso.Version, []byte, error) {
	for v != target {
		var (
			b   *verso.Blob
			err error
		)
		forward := v < target
		if forward {
			b, err = c.r.Delta(ctx, v)
		} else {
			b, err = c.r.ReverseDelta(ctx, v)
		}
		if errors.Is(err, verso.ErrNotFound) {
			return v, state, nil
		}
		if err != nil {
			return v, state, err
		}
		if (forward && b.To > target) || (!forward && b.To < target) {
			return v, state, nil
		}

		delta, err := b.ReadAll(ctx)
		if err != nil {
			return v, state, err
		}
		newState, err := c.codec.Apply(state, delta)
		if err != nil {
			return v, state, errors.Wrapf(err, "applying %s", b.Name)
		}
		v, state = b.To, newState
	}
	return v, state, nil
}

func distance(a, b verso.Version) verso.Version {
	if a > b {
		return a - b
	}
	return b - a
}
