package producer

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/verso/codec"
)

// WriteState receives the records of a new state during a cycle.
type WriteState interface {
	// Add stages a record under its primary key.
	// Adding a second record with the same key is an error.
	Add(key string, record interface{}) error
}

type writeState struct {
	mu   sync.Mutex
	recs codec.Records
}

func newWriteState() *writeState {
	return &writeState{recs: make(codec.Records)}
}

func (ws *writeState) Add(key string, record interface{}) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if _, ok := ws.recs[key]; ok {
		return errors.Errorf("duplicate record key %s", key)
	}
	ws.recs[key] = record
	return nil
}
