// Package replica implements an object store that replicates writes to several nested object stores.
package replica

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var _ verso.ObjectStore = (*Store)(nil)

// Store is an object store that delegates reads and writes to two sets of nested stores.
// One set is synchronous:
// writes to all of these must succeed before a call to Put returns,
// and an error from any will cause Put to fail.
// The other set is asynchronous:
// a call to Put queues writes on these stores but does not wait for them to finish.
// However, if any asynchronous write encounters an error,
// the whole Store is put into an error state and further operations will fail.
//
// Reads go to the synchronous stores in order,
// and the first one that has the object answers.
type Store struct {
	sync   []verso.ObjectStore
	async  []asyncChans
	cancel context.CancelFunc

	mu  sync.Mutex // protects err
	err error      // the error from an async goroutine, if any
}

type putReq struct {
	name string
	data []byte
	meta map[string]string
}

type asyncChans struct {
	reqs chan<- putReq
	errs <-chan error
}

// New produces a new Store.
// The set of synchronous stores must be non-empty.
// The set of asynchronous stores may be empty.
// If there are any asynchronous stores,
// goroutines are launched for them,
// and canceling the given context object causes those to exit,
// placing the Store in an error state.
//
// Normally, writes to asynchronous stores do not block calls to Put,
// but the queue for each nested store has a fixed length given by n,
// which must be 1 or greater.
// If any async store falls too far behind,
// Put will block until all requests can be queued.
func New(ctx context.Context, sync []verso.ObjectStore, async []verso.ObjectStore, n int) *Store {
	result := &Store{sync: sync}

	if len(async) > 0 {
		ctx, result.cancel = context.WithCancel(ctx)

		selectCases := make([]reflect.SelectCase, 1+len(async))

		for i, a := range async {
			var (
				reqs = make(chan putReq, n)
				errs = make(chan error, 1)
			)

			result.async = append(result.async, asyncChans{reqs: reqs, errs: errs})

			selectCases[i].Dir = reflect.SelectRecv
			selectCases[i].Chan = reflect.ValueOf(errs)

			go runAsync(ctx, a, reqs, errs)
		}

		selectCases[len(async)].Dir = reflect.SelectRecv
		selectCases[len(async)].Chan = reflect.ValueOf(ctx.Done())

		go func() {
			_, errval, ok := reflect.Select(selectCases)
			if ok {
				result.cancel()
				result.mu.Lock()
				result.err = errval.Interface().(error)
				result.mu.Unlock()
			}
		}()
	}

	return result
}

// Runs as a goroutine until ctx is canceled or an error occurs (which it writes to errs).
func runAsync(ctx context.Context, store verso.ObjectStore, reqs <-chan putReq, errs chan<- error) {
	defer close(errs)

	for {
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return

		case req := <-reqs:
			err := store.Put(ctx, req.name, bytes.NewReader(req.data), req.meta)
			if err != nil {
				errs <- errors.Wrapf(err, "writing %s", req.name)
				return
			}
		}
	}
}

// Close stops the asynchronous writers.
// Queued writes that have not started are abandoned.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Put implements verso.ObjectStore.
// The object is stored in all synchronous nested stores.
// An error from any of them causes Put to return an error.
//
// A request to write the object is queued for any asynchronous nested stores.
// Normally this does not block the call to Put,
// but if any async store falls too far behind,
// Put must wait for space to open in its request queue before proceeding.
// The size of this queue is given by the int passed to New.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async-store goroutine")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "reading content for %s", name)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, store := range s.sync {
		store := store
		g.Go(func() error {
			return store.Put(gctx, name, bytes.NewReader(data), metadata)
		})
	}

	for _, a := range s.async {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case a.reqs <- putReq{name: name, data: data, meta: metadata}:
		}
	}

	return g.Wait()
}

// Stat implements verso.ObjectGetter.
func (s *Store) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	if err := s.checkErr(); err != nil {
		return verso.ObjectInfo{}, errors.Wrap(err, "in async-store goroutine")
	}

	err := error(verso.ErrNotFound)
	for _, store := range s.sync {
		var info verso.ObjectInfo
		info, err = store.Stat(ctx, name)
		if !errors.Is(err, verso.ErrNotFound) {
			return info, err
		}
	}
	return verso.ObjectInfo{}, err
}

// Open implements verso.ObjectGetter.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := s.checkErr(); err != nil {
		return nil, errors.Wrap(err, "in async-store goroutine")
	}

	err := error(verso.ErrNotFound)
	for _, store := range s.sync {
		var rc io.ReadCloser
		rc, err = store.Open(ctx, name)
		if !errors.Is(err, verso.ErrNotFound) {
			return rc, err
		}
	}
	return nil, err
}

func (s *Store) checkErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func nestedList(ctx context.Context, conf map[string]interface{}, key string) ([]verso.ObjectStore, error) {
	items, ok := conf[key].([]interface{})
	if !ok {
		return nil, nil
	}
	var result []verso.ObjectStore
	for _, item := range items {
		nested, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf(`"%s" item is a %T, not an object`, key, item)
		}
		nestedStore, err := store.CreateObjects(ctx, nested)
		if err != nil {
			return nil, errors.Wrapf(err, "creating nested %s store", key)
		}
		result = append(result, nestedStore)
	}
	return result, nil
}

func init() {
	store.RegisterObjects("replica", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		syncStores, err := nestedList(ctx, conf, "sync")
		if err != nil {
			return nil, err
		}
		if len(syncStores) == 0 {
			return nil, errors.New(`missing "sync" parameter`)
		}
		asyncStores, err := nestedList(ctx, conf, "async")
		if err != nil {
			return nil, err
		}

		queueLen, ok := store.Int(conf, "queuelen")
		if !ok || queueLen < 1 {
			queueLen = 10
		}

		return New(ctx, syncStores, asyncStores, queueLen), nil
	})
}
