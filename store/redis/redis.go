// Package redis implements a pointer store in Redis.
package redis

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// DefaultPrefix is the default prefix for announcement keys.
const DefaultPrefix = "verso:announcement:"

const (
	versionField = "version"
	pinField     = "pin"
)

// Store is a Redis-based pointer store.
// Each namespace's announcement is a hash at Prefix+namespace
// with a "version" field and an optional "pin" field.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New produces a new Store.
// If prefix is empty, DefaultPrefix is used.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(ns string) string {
	return s.prefix + ns
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	fields, err := s.client.HGetAll(ctx, s.key(ns)).Result()
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "getting announcement for %s", ns)
	}
	return parseFields(ns, fields)
}

func parseFields(ns string, fields map[string]string) (verso.Announcement, error) {
	vstr, ok := fields[versionField]
	if !ok {
		return verso.Announcement{}, verso.ErrNotFound
	}
	v, err := verso.ParseVersion(vstr)
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "parsing version for %s", ns)
	}
	a := verso.Announcement{Version: v}
	if pstr, ok := fields[pinField]; ok {
		pin, err := verso.ParseVersion(pstr)
		if err != nil {
			return verso.Announcement{}, errors.Wrapf(err, "parsing pin for %s", ns)
		}
		a.Pin = &pin
	}
	return a, nil
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(ctx context.Context, ns string, v verso.Version) error {
	err := s.client.HSet(ctx, s.key(ns), versionField, strconv.FormatInt(int64(v), 10)).Err()
	return errors.Wrapf(err, "announcing %d for %s", v, ns)
}

// Sets or clears the pin only if the announcement exists.
// Returns 0 if it does not.
var pinScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "version") == 0 then
  return 0
end
if ARGV[1] == "" then
  redis.call("HDEL", KEYS[1], "pin")
else
  redis.call("HSET", KEYS[1], "pin", ARGV[1])
end
return 1
`)

// Pin implements verso.PointerStore.
func (s *Store) Pin(ctx context.Context, ns string, v *verso.Version) error {
	var arg string
	if v != nil {
		arg = strconv.FormatInt(int64(*v), 10)
	}
	res, err := pinScript.Run(ctx, s.client, []string{s.key(ns)}, arg).Int()
	if err != nil {
		return errors.Wrapf(err, "pinning %s", ns)
	}
	if res == 0 {
		return verso.ErrNotFound
	}
	return nil
}

// ListPointers implements verso.PointerLister.
func (s *Store) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return errors.Wrap(err, "scanning announcement keys")
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)

	for i, key := range keys {
		if i > 0 && key == keys[i-1] {
			// SCAN may return a key more than once.
			continue
		}
		ns := strings.TrimPrefix(key, s.prefix)
		a, err := s.GetPointer(ctx, ns)
		if errors.Is(err, verso.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err = f(ns, a); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.RegisterPointers("redis", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		addr, ok := conf["addr"].(string)
		if !ok {
			return nil, errors.New(`missing "addr" parameter`)
		}
		opts := &redis.Options{Addr: addr}
		if pw, ok := conf["password"].(string); ok {
			opts.Password = pw
		}
		if db, ok := store.Int(conf, "db"); ok {
			opts.DB = db
		}
		prefix, _ := conf["prefix"].(string)

		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrapf(err, "connecting to redis at %s", addr)
		}
		return New(client, prefix), nil
	})
}
