package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/announce"
	"github.com/bobg/verso/producer"
	"github.com/bobg/verso/store"
	_ "github.com/bobg/verso/store/bt"
	_ "github.com/bobg/verso/store/dynamo"
	_ "github.com/bobg/verso/store/file"
	_ "github.com/bobg/verso/store/gcs"
	"github.com/bobg/verso/store/logging"
	"github.com/bobg/verso/store/lru"
	_ "github.com/bobg/verso/store/mem"
	_ "github.com/bobg/verso/store/mongo"
	_ "github.com/bobg/verso/store/pg"
	_ "github.com/bobg/verso/store/redis"
	_ "github.com/bobg/verso/store/remote"
	_ "github.com/bobg/verso/store/replica"
	"github.com/bobg/verso/store/retry"
	_ "github.com/bobg/verso/store/s3"
	_ "github.com/bobg/verso/store/sqlite3"
	_ "github.com/bobg/verso/store/transform"
)

const defaultNamespace = "cyclic"

type config struct {
	Namespace    string
	Objects      map[string]interface{}
	Pointers     map[string]interface{}
	Retries      int
	CacheSize    int
	LogOps       bool
	MinInterval  time.Duration
	PollInterval time.Duration
}

func loadConfig(filename string) (*config, error) {
	var raw map[string]interface{}

	if filepath.Ext(filename) == ".toml" {
		if _, err := toml.DecodeFile(filename, &raw); err != nil {
			return nil, errors.Wrapf(err, "decoding config file %s", filename)
		}
	} else {
		f, err := os.Open(filename)
		if err != nil {
			return nil, errors.Wrapf(err, "opening config file %s", filename)
		}
		defer f.Close()

		dec := json.NewDecoder(f)
		dec.UseNumber()
		if err = dec.Decode(&raw); err != nil {
			return nil, errors.Wrapf(err, "decoding config file %s", filename)
		}
	}

	return parseConfig(raw)
}

func parseConfig(raw map[string]interface{}) (*config, error) {
	conf := &config{
		Namespace:    defaultNamespace,
		MinInterval:  producer.DefaultMinInterval,
		PollInterval: announce.DefaultInterval,
	}

	if ns, ok := raw["namespace"].(string); ok && ns != "" {
		conf.Namespace = ns
	}

	var ok bool
	if conf.Objects, ok = raw["objects"].(map[string]interface{}); !ok {
		return nil, errors.New(`config missing "objects" section`)
	}
	if conf.Pointers, ok = raw["pointers"].(map[string]interface{}); !ok {
		// Most backends hold both.
		conf.Pointers = conf.Objects
	}

	if n, ok := store.Int(raw, "retries"); ok {
		conf.Retries = n
	}
	if n, ok := store.Int(raw, "cache_size"); ok {
		conf.CacheSize = n
	}
	conf.LogOps, _ = raw["log_ops"].(bool)

	for key, dst := range map[string]*time.Duration{"min_interval": &conf.MinInterval, "poll_interval": &conf.PollInterval} {
		s, ok := raw[key].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", key)
		}
		*dst = d
	}

	return conf, nil
}

// stores creates the configured stores
// and wraps them with retries, caching, and operation logging as requested.
func (conf *config) stores(ctx context.Context) (verso.ObjectStore, verso.PointerStore, error) {
	objs, err := store.CreateObjects(ctx, conf.Objects)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating object store")
	}
	ptrs, err := store.CreatePointers(ctx, conf.Pointers)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating pointer store")
	}

	if conf.Retries > 0 {
		p := retry.DefaultPolicy
		p.MaxRetries = uint64(conf.Retries)
		objs = retry.NewObjects(objs, p)
		ptrs = retry.NewPointers(ptrs, p)
	}
	if conf.CacheSize > 0 {
		objs, err = lru.New(objs, conf.CacheSize)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating cache")
		}
	}
	if conf.LogOps {
		objs = logging.NewObjects(objs, nil)
		ptrs = logging.NewPointers(ptrs, nil)
	}

	return objs, ptrs, nil
}
