// Package producer publishes successive versions of a dataset.
package producer

import (
	"context"
	"log"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
)

// DefaultMinInterval is the default minimum time between the starts of two cycles.
const DefaultMinInterval = 10 * time.Second

// Populator stages the records of a new state into ws.
type Populator func(ctx context.Context, ws WriteState) error

// Committer is what a Scheduler drives:
// it turns staged records into a published version,
// or does nothing when they are unchanged.
type Committer interface {
	// Restore loads version v as the state that the next cycle diffs against.
	Restore(ctx context.Context, v verso.Version) error

	// RunCycle calls populate once and commits the result.
	// It returns the current version
	// and whether the cycle published it.
	RunCycle(ctx context.Context, populate Populator) (verso.Version, bool, error)
}

// Scheduler runs production cycles no more often than a minimum interval.
// It does not decide whether a cycle publishes anything;
// that is up to the Committer.
// Cycles never overlap:
// a long-running cycle just delays the next one.
type Scheduler struct {
	c           Committer
	minInterval time.Duration
	clock       clock.Clock
	logger      *log.Logger

	lastStart time.Time
}

// SchedulerOption is the type of an option to NewScheduler.
type SchedulerOption func(*Scheduler)

// WithMinInterval sets the minimum time between cycle starts.
func WithMinInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.minInterval = d }
}

// WithSchedulerClock sets the scheduler's time source.
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *log.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler produces a new Scheduler driving c.
func NewScheduler(c Committer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		c:           c,
		minInterval: DefaultMinInterval,
		clock:       clock.New(),
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore initializes the committer to the version currently announced in ns,
// so the first cycle diffs against real prior state rather than an empty one.
// A pin does not change which version that is.
// If nothing has been announced yet there is nothing to restore.
func (s *Scheduler) Restore(ctx context.Context, g verso.PointerGetter, ns string) error {
	a, err := g.GetPointer(ctx, ns)
	if errors.Is(err, verso.ErrNotFound) {
		s.logger.Printf("%s: nothing announced, starting from empty state", ns)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading announcement for %s", ns)
	}

	// The pin only governs what readers see.
	// Publication continues from the newest announced version.
	v := a.Version
	if err = s.c.Restore(ctx, v); err != nil {
		return errors.Wrapf(err, "restoring version %d", v)
	}
	s.logger.Printf("%s: restored version %d", ns, v)
	return nil
}

// RunCycle waits until at least the minimum interval has passed since the start of the previous cycle,
// then runs one cycle.
// It returns early with the context's error if ctx is canceled while waiting.
func (s *Scheduler) RunCycle(ctx context.Context, populate Populator) (verso.Version, bool, error) {
	if err := s.waitForMinCycleTime(ctx); err != nil {
		return 0, false, err
	}
	s.lastStart = s.clock.Now()
	return s.c.RunCycle(ctx, populate)
}

// RunForever runs cycles until ctx is canceled
// or populate returns an error.
// Errors committing or publishing a cycle are logged
// and the next cycle proceeds as usual.
func (s *Scheduler) RunForever(ctx context.Context, populate Populator) error {
	for {
		var populateErr error
		wrapped := func(ctx context.Context, ws WriteState) error {
			populateErr = populate(ctx, ws)
			return populateErr
		}

		_, _, err := s.RunCycle(ctx, wrapped)
		if populateErr != nil {
			return errors.Wrap(populateErr, "populating")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Printf("ERROR in cycle: %s", err)
		}
	}
}

// LastStart is the time the most recent cycle started
// (the zero time if none has).
func (s *Scheduler) LastStart() time.Time {
	return s.lastStart
}

func (s *Scheduler) waitForMinCycleTime(ctx context.Context) error {
	if s.lastStart.IsZero() {
		return nil
	}
	target := s.lastStart.Add(s.minInterval)

	// Recheck after every wakeup;
	// a wakeup before the target time just means waiting again.
	for {
		now := s.clock.Now()
		if !now.Before(target) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(target.Sub(now)):
		}
	}
}
