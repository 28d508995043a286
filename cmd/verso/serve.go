package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/verso/store/remote"
)

func (c maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		addr    = fs.String("addr", ":2969", "listen address")
		objects = fs.Bool("objects", true, "serve the object store too")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var srv *remote.Server
	if *objects {
		srv = remote.NewServer(c.ptrs, c.objs)
	} else {
		srv = remote.NewServer(c.ptrs, nil)
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	fmt.Printf("Listening on %s\n", *addr)

	return errors.Wrapf(srv.Start(*addr), "serving on %s", *addr)
}
