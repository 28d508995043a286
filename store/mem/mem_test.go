package mem

import (
	"context"
	"testing"

	"github.com/bobg/verso/testutil"
)

func TestObjects(t *testing.T) {
	testutil.Objects(context.Background(), t, New())
}

func TestPointers(t *testing.T) {
	testutil.Pointers(context.Background(), t, New())
}
