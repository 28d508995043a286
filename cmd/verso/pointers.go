package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

func (c maincmd) announce(ctx context.Context, fs *flag.FlagSet, args []string) error {
	ns := c.namespace(fs)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: announce [-ns NAMESPACE] VERSION")
	}
	v, err := verso.ParseVersion(fs.Arg(0))
	if err != nil {
		return errors.Wrapf(err, "parsing version %s", fs.Arg(0))
	}
	return errors.Wrapf(c.ptrs.Announce(ctx, *ns, v), "announcing %d in %s", v, *ns)
}

func (c maincmd) pin(ctx context.Context, fs *flag.FlagSet, args []string) error {
	ns := c.namespace(fs)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: pin [-ns NAMESPACE] VERSION")
	}
	v, err := verso.ParseVersion(fs.Arg(0))
	if err != nil {
		return errors.Wrapf(err, "parsing version %s", fs.Arg(0))
	}
	return errors.Wrapf(c.ptrs.Pin(ctx, *ns, &v), "pinning %s to %d", *ns, v)
}

func (c maincmd) unpin(ctx context.Context, fs *flag.FlagSet, args []string) error {
	ns := c.namespace(fs)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	return errors.Wrapf(c.ptrs.Pin(ctx, *ns, nil), "unpinning %s", *ns)
}

func (c maincmd) pointers(ctx context.Context, fs *flag.FlagSet, args []string) error {
	all := fs.Bool("all", false, "list every namespace")
	ns := c.namespace(fs)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	if !*all {
		a, err := c.ptrs.GetPointer(ctx, *ns)
		if err != nil {
			return errors.Wrapf(err, "getting announcement for %s", *ns)
		}
		printAnnouncement(*ns, a)
		return nil
	}

	lister, ok := c.ptrs.(verso.PointerLister)
	if !ok {
		return fmt.Errorf("%T cannot list namespaces", c.ptrs)
	}
	return lister.ListPointers(ctx, func(ns string, a verso.Announcement) error {
		printAnnouncement(ns, a)
		return nil
	})
}

func printAnnouncement(ns string, a verso.Announcement) {
	if a.Pin != nil {
		fmt.Printf("%s\t%d\t(pinned to %d)\n", ns, a.Version, *a.Pin)
		return
	}
	fmt.Printf("%s\t%d\n", ns, a.Version)
}

// syncPointers brings the configured pointer store
// and those of the config files named on the command line
// up to the newest announcement in each namespace.
func (c maincmd) syncPointers(ctx context.Context, fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() == 0 {
		return errors.New("usage: sync CONFIG...")
	}

	first, err := store.Listable(c.ptrs)
	if err != nil {
		return err
	}
	stores := []store.ListablePointerStore{first}

	for _, filename := range fs.Args() {
		conf, err := loadConfig(filename)
		if err != nil {
			return err
		}
		ptrs, err := store.CreatePointers(ctx, conf.Pointers)
		if err != nil {
			return errors.Wrapf(err, "creating pointer store from %s", filename)
		}
		ls, err := store.Listable(ptrs)
		if err != nil {
			return errors.Wrapf(err, "pointer store from %s", filename)
		}
		stores = append(stores, ls)
	}

	return store.SyncPointers(ctx, stores)
}
