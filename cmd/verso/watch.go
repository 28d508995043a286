package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/announce"
	"github.com/bobg/verso/codec"
	"github.com/bobg/verso/consumer"
	"github.com/bobg/verso/retriever"
)

var (
	versionColor = color.New(color.FgGreen, color.Bold)
	changedColor = color.New(color.FgYellow)
)

func (c maincmd) watch(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		ns      = c.namespace(fs)
		records = fs.Bool("records", false, "print every record of each new state")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var prev codec.Records

	onUpdate := func(from, to verso.Version, state []byte) {
		recs, err := codec.JSON{}.Decode(state)
		if err != nil {
			fmt.Printf("ERROR decoding version %d: %s\n", to, err)
			return
		}
		fmt.Printf("%s %d -> %s (%d records)\n", *ns, from, versionColor.Sprint(to), len(recs))
		for _, key := range changedKeys(prev, recs) {
			changedColor.Printf("  changed: %s\n", key)
		}
		if *records {
			keys := make([]string, 0, len(recs))
			for k := range recs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %v\n", k, recs[k])
			}
		}
		prev = recs
	}

	w, err := announce.NewWatcher(ctx, c.ptrs, *ns, announce.WithInterval(c.conf.PollInterval))
	if err != nil {
		return errors.Wrapf(err, "watching %s", *ns)
	}
	defer w.Close()

	cons := consumer.New(retriever.New(c.objs, *ns), codec.JSON{}, consumer.WithOnUpdate(onUpdate))
	if err = cons.Follow(ctx, w); err != nil {
		fmt.Printf("ERROR loading version %d: %s\n", w.Latest(), err)
	}

	fmt.Printf("watching %s (announced version %d)\n", *ns, w.Latest())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.Done():
		return nil
	}
}

// changedKeys lists the keys whose records differ between two states.
func changedKeys(a, b codec.Records) []string {
	if a == nil {
		return nil
	}
	var result []string
	for k, bv := range b {
		if av, ok := a[k]; !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			result = append(result, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			result = append(result, k)
		}
	}
	sort.Strings(result)
	return result
}
