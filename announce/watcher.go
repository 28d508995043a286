// Package announce watches a pointer store for newly announced versions
// and notifies subscribers when the version changes.
package announce

import (
	"context"
	"io"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
)

// DefaultInterval is how often a Watcher polls its pointer store by default.
const DefaultInterval = time.Second

// Subscriber is something that wants to hear about new versions.
type Subscriber interface {
	// Refresh is called in its own goroutine each time the watched version changes.
	Refresh(context.Context, verso.Version) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(context.Context, verso.Version) error

// Refresh implements Subscriber.
func (f SubscriberFunc) Refresh(ctx context.Context, v verso.Version) error {
	return f(ctx, v)
}

// Watcher polls the announcement for one namespace
// and tracks the latest version.
// Each time the version changes,
// every subscriber's Refresh method is launched in a goroutine of its own.
// The watcher does not wait for those calls,
// so a slow or failing subscriber delays neither the other subscribers nor the next poll.
type Watcher struct {
	g        verso.PointerGetter
	ns       string
	interval time.Duration
	clock    clock.Clock
	logger   *log.Logger

	latest atomic.Int64

	mu   sync.Mutex   // protects subs
	subs []Subscriber // append-only

	cancel context.CancelFunc
	done   chan struct{}
}

// Option is the type of an option to NewWatcher.
type Option func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithClock sets the watcher's time source.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithLogger sets the logger to which the watcher reports failures.
func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher reads the current announcement for ns from g
// and launches a goroutine to poll for changes.
// The goroutine runs until ctx is canceled or Close is called.
//
// If nothing has been announced in ns yet,
// Latest reports zero until something is.
// Any other error reading the announcement is returned
// and no goroutine is launched.
func NewWatcher(ctx context.Context, g verso.PointerGetter, ns string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		g:        g,
		ns:       ns,
		interval: DefaultInterval,
		clock:    clock.New(),
		logger:   log.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	v, err := w.read(ctx)
	if errors.Is(err, verso.ErrNotFound) {
		v = 0
	} else if err != nil {
		return nil, err
	}
	w.latest.Store(int64(v))

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)

	return w, nil
}

// Latest returns the most recently observed version.
// It does not block.
func (w *Watcher) Latest() verso.Version {
	return verso.Version(w.latest.Load())
}

// Subscribe adds s to the set of subscribers.
// It is safe to call while notifications are in progress;
// a notification already under way may or may not include s.
func (w *Watcher) Subscribe(s Subscriber) {
	w.mu.Lock()
	w.subs = append(w.subs, s)
	w.mu.Unlock()
}

var _ io.Closer = &Watcher{}

// Close stops the polling goroutine and waits for it to exit.
// Subscriber calls already launched are not waited for,
// but the context passed to them is canceled.
// It always returns nil; the error result is there for io.Closer.
// Calling Close more than once is harmless.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

// Done returns a channel that is closed when the polling goroutine exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) read(ctx context.Context) (verso.Version, error) {
	a, err := w.g.GetPointer(ctx, w.ns)
	if err != nil {
		return 0, errors.Wrapf(err, "reading announcement for %s", w.ns)
	}
	return a.Latest(), nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		if !w.sleep(ctx) {
			return
		}
		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("ERROR polling announcement for %s: %s", w.ns, err)
		}
	}
}

// sleep waits for one polling interval.
// It reports false if ctx was canceled first.
func (w *Watcher) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.clock.After(w.interval):
		return true
	}
}

// poll performs one iteration of the polling loop.
// A panic anywhere in the iteration is turned into an error.
func (w *Watcher) poll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	v, err := w.read(ctx)
	if err != nil {
		return err
	}
	if v == w.Latest() {
		return nil
	}

	// Store before notifying,
	// so a subscriber calling Latest sees the new value.
	w.latest.Store(int64(v))

	w.mu.Lock()
	subs := w.subs
	w.mu.Unlock()

	for _, s := range subs {
		go w.notify(ctx, s, v)
	}
	return nil
}

func (w *Watcher) notify(ctx context.Context, s Subscriber, v verso.Version) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("ERROR subscriber panicked refreshing %s to version %d: %v\n%s", w.ns, v, r, debug.Stack())
		}
	}()

	if err := s.Refresh(ctx, v); err != nil {
		w.logger.Printf("ERROR refreshing %s to version %d: %s", w.ns, v, err)
	}
}
