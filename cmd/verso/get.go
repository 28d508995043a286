package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/retriever"
)

func (c maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		ns   = c.namespace(fs)
		kind = fs.String("kind", string(verso.Snapshot), "blob kind: snapshot, delta, or reversedelta")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var v verso.Version
	if fs.NArg() > 0 {
		v, err = verso.ParseVersion(fs.Arg(0))
		if err != nil {
			return errors.Wrapf(err, "parsing version %s", fs.Arg(0))
		}
	} else {
		a, err := c.ptrs.GetPointer(ctx, *ns)
		if err != nil {
			return errors.Wrapf(err, "getting announcement for %s", *ns)
		}
		v = a.Latest()
	}

	r := retriever.New(c.objs, *ns)

	var blob *verso.Blob
	switch verso.Kind(*kind) {
	case verso.Snapshot:
		blob, err = r.Snapshot(ctx, v)
	case verso.Delta:
		blob, err = r.Delta(ctx, v)
	case verso.ReverseDelta:
		blob, err = r.ReverseDelta(ctx, v)
	default:
		return fmt.Errorf("unknown blob kind %s", *kind)
	}
	if err != nil {
		return errors.Wrapf(err, "finding %s for version %d", *kind, v)
	}

	fmt.Fprintf(os.Stderr, "%s %s: from %d to %d\n", blob.Kind, blob.Name, blob.From, blob.To)

	rc, err := blob.Open(ctx)
	if err != nil {
		return errors.Wrapf(err, "opening %s", blob.Name)
	}
	defer rc.Close()

	_, err = io.Copy(os.Stdout, rc)
	return errors.Wrap(err, "writing blob to stdout")
}

func (c maincmd) index(ctx context.Context, fs *flag.FlagSet, args []string) error {
	ns := c.namespace(fs)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	versions, err := retriever.New(c.objs, *ns).Index(ctx)
	if err != nil {
		return errors.Wrapf(err, "reading snapshot index for %s", *ns)
	}
	for _, v := range versions {
		fmt.Println(v)
	}
	return nil
}
