// Package retry implements object and pointer stores that retry failed operations on nested stores
// with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Objects{}
	_ verso.PointerStore  = &Pointers{}
	_ verso.PointerLister = &Pointers{}
)

// DefaultMaxRetries is the default number of retries after a failed operation.
const DefaultMaxRetries = 5

// Policy says how to retry.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	// InitialInterval is the delay before the first retry.
	// Later delays grow exponentially, with jitter.
	InitialInterval time.Duration

	// MaxElapsed caps the total time spent retrying one operation.
	// Zero means no cap other than MaxRetries.
	MaxElapsed time.Duration
}

// DefaultPolicy is the policy used when none is given.
var DefaultPolicy = Policy{
	MaxRetries:      DefaultMaxRetries,
	InitialInterval: 100 * time.Millisecond,
	MaxElapsed:      30 * time.Second,
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// permanent reports whether err is an answer rather than a failure.
// Absent and corrupt objects stay that way however often they are asked for.
func permanent(err error) bool {
	return errors.Is(err, verso.ErrNotFound) ||
		errors.Is(err, verso.ErrCorrupt) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p Policy) do(ctx context.Context, op func() error) error {
	err := backoff.Retry(
		func() error {
			err := op()
			if err != nil && permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		p.backoff(ctx),
	)

	// Unwrap so callers can test for the sentinel errors.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Objects is an object store that retries failed operations on a nested store.
// Put can be retried only if its reader is an io.Seeker,
// since each attempt must start from the beginning.
type Objects struct {
	s verso.ObjectStore
	p Policy
}

// NewObjects wraps s with the given retry policy.
func NewObjects(s verso.ObjectStore, p Policy) *Objects {
	return &Objects{s: s, p: p}
}

func (s *Objects) Stat(ctx context.Context, name string) (info verso.ObjectInfo, err error) {
	err = s.p.do(ctx, func() error {
		info, err = s.s.Stat(ctx, name)
		return err
	})
	return info, err
}

func (s *Objects) Open(ctx context.Context, name string) (rc io.ReadCloser, err error) {
	err = s.p.do(ctx, func() error {
		rc, err = s.s.Open(ctx, name)
		return err
	})
	return rc, err
}

func (s *Objects) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	seeker, ok := r.(io.Seeker)
	if !ok {
		return s.s.Put(ctx, name, r, metadata)
	}
	return s.p.do(ctx, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(errors.Wrapf(err, "rewinding content for %s", name))
		}
		return s.s.Put(ctx, name, r, metadata)
	})
}

// Pointers is a pointer store that retries failed operations on a nested store.
type Pointers struct {
	s verso.PointerStore
	p Policy
}

// NewPointers wraps s with the given retry policy.
func NewPointers(s verso.PointerStore, p Policy) *Pointers {
	return &Pointers{s: s, p: p}
}

func (s *Pointers) GetPointer(ctx context.Context, ns string) (a verso.Announcement, err error) {
	err = s.p.do(ctx, func() error {
		a, err = s.s.GetPointer(ctx, ns)
		return err
	})
	return a, err
}

func (s *Pointers) Announce(ctx context.Context, ns string, v verso.Version) error {
	return s.p.do(ctx, func() error {
		return s.s.Announce(ctx, ns, v)
	})
}

func (s *Pointers) Pin(ctx context.Context, ns string, v *verso.Version) error {
	return s.p.do(ctx, func() error {
		return s.s.Pin(ctx, ns, v)
	})
}

// ListPointers is not retried, since f may already have seen some namespaces.
func (s *Pointers) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	lister, ok := s.s.(verso.PointerLister)
	if !ok {
		return fmt.Errorf("nested store is a %T and not a verso.PointerLister", s.s)
	}
	return lister.ListPointers(ctx, f)
}

func policyFromConf(conf map[string]interface{}) Policy {
	p := DefaultPolicy
	if n, ok := store.Int(conf, "retries"); ok && n >= 0 {
		p.MaxRetries = uint64(n)
	}
	if ms, ok := store.Int(conf, "initial_interval_ms"); ok && ms > 0 {
		p.InitialInterval = time.Duration(ms) * time.Millisecond
	}
	return p
}

func init() {
	store.RegisterObjects("retry", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		nested, err := store.Nested(conf)
		if err != nil {
			return nil, err
		}
		nestedStore, err := store.CreateObjects(ctx, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return NewObjects(nestedStore, policyFromConf(conf)), nil
	})
	store.RegisterPointers("retry", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		nested, err := store.Nested(conf)
		if err != nil {
			return nil, err
		}
		nestedStore, err := store.CreatePointers(ctx, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return NewPointers(nestedStore, policyFromConf(conf)), nil
	})
}
