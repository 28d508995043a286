package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store/mem"
)

func TestProduceNamespace(t *testing.T) {
	orig := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(orig)

	cases := []struct {
		args    []string
		wantNS  string
		wantErr bool
	}{
		{args: []string{"-once"}, wantNS: defaultNamespace},
		{args: []string{"-once", "movies"}, wantNS: "movies"},
		{args: []string{"-once", "-ns", "shows", "movies"}, wantNS: "movies"},
		{args: []string{"-once", "-ns", "shows"}, wantNS: "shows"},
		{args: []string{"-once", "movies", "shows"}, wantErr: true},
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("case_%02d", i), func(t *testing.T) {
			ctx := context.Background()
			s := mem.New()
			c := maincmd{
				conf: &config{Namespace: defaultNamespace},
				objs: s,
				ptrs: s,
			}

			err := c.produce(ctx, flag.NewFlagSet("produce", flag.ContinueOnError), tc.args)
			if tc.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				if names := s.Names(); len(names) > 0 {
					t.Errorf("published %v despite the error", names)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			var got []string
			err = s.ListPointers(ctx, func(ns string, _ verso.Announcement) error {
				got = append(got, ns)
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0] != tc.wantNS {
				t.Errorf("published to %v, want [%s]", got, tc.wantNS)
			}
			if _, err := s.GetPointer(ctx, tc.wantNS); errors.Is(err, verso.ErrNotFound) {
				t.Errorf("nothing announced in %s", tc.wantNS)
			}
		})
	}
}
