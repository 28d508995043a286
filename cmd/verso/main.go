// Command verso publishes and follows versioned datasets in blob stores.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
)

type maincmd struct {
	conf *config
	objs verso.ObjectStore
	ptrs verso.PointerStore
}

func main() {
	configFile := flag.String("config", "verso.json", "path to config file (.json or .toml)")
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Config value not set")
	}

	conf, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	objs, ptrs, err := conf.stores(ctx)
	if err != nil {
		log.Fatal(err)
	}

	err = subcmd.Run(ctx, maincmd{conf: conf, objs: objs, ptrs: ptrs}, flag.Args())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"announce": c.announce,
		"get":      c.get,
		"index":    c.index,
		"pin":      c.pin,
		"pointers": c.pointers,
		"produce":  c.produce,
		"serve":    c.serve,
		"sync":     c.syncPointers,
		"unpin":    c.unpin,
		"watch":    c.watch,
	}
}

func (c maincmd) namespace(fs *flag.FlagSet) *string {
	return fs.String("ns", c.conf.Namespace, "namespace")
}
