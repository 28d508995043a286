package logging

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"github.com/bobg/verso/store/mem"
	"github.com/bobg/verso/testutil"
)

func TestObjects(t *testing.T) {
	buf := new(bytes.Buffer)
	testutil.Objects(context.Background(), t, NewObjects(mem.New(), log.New(buf, "", 0)))

	for _, want := range []string{
		"Stat testns/snapshot-17: not found",
		"Put testns/snapshot-17, metadata=map[to_state:17]",
		"Open testns/delta-17",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log does not contain %q", want)
		}
	}
}

func TestPointers(t *testing.T) {
	buf := new(bytes.Buffer)
	testutil.Pointers(context.Background(), t, NewPointers(mem.New(), log.New(buf, "", 0)))

	for _, want := range []string{
		"GetPointer testns1: not found",
		"Announce(testns1, 50)",
		"Pin(testns1, pin 30)",
		"Pin(testns1, unpin)",
		"GetPointer testns1: version=60 pin=30",
		"  ListPointers: testns2 version=7",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log does not contain %q", want)
		}
	}
}
