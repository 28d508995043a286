// Package transform implements an object store that transforms objects
// on their way into and out of a nested store.
package transform

import (
	"bytes"
	"compress/lzw"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var _ verso.ObjectStore = &Store{}

// Metadata keys recorded on transformed objects in the nested store.
// They are removed from the metadata that Stat reports.
const (
	NameKey = "transform"
	SizeKey = "transform_size"
)

// Store is an object store wrapping a nested store and a Transformer.
// Objects are transformed according to the Transformer on their way in and out of the nested store.
// Objects in the nested store that were not written through a Store are passed through unchanged.
type Store struct {
	s verso.ObjectStore
	x Transformer
}

// Transformer tells how to transform an object on its way into and out of a Store.
// Out should be the inverse of In.
type Transformer interface {
	// Name identifies the transformation in the nested store's metadata.
	Name() string

	// In transforms an object on its way into the store.
	In(context.Context, []byte) ([]byte, error)

	// Out transforms an object on its way out of the store.
	Out(context.Context, []byte) ([]byte, error)
}

// New produces a new Store.
func New(s verso.ObjectStore, x Transformer) *Store {
	return &Store{s: s, x: x}
}

func (s *Store) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	info, err := s.s.Stat(ctx, name)
	if err != nil {
		return verso.ObjectInfo{}, err
	}
	if _, ok := info.Metadata[NameKey]; !ok {
		return info, nil
	}
	size, err := strconv.ParseInt(info.Metadata[SizeKey], 10, 64)
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(verso.ErrCorrupt, "%s: bad %s %q", name, SizeKey, info.Metadata[SizeKey])
	}
	info.Size = size
	info.Metadata = stripped(info.Metadata)
	return info, nil
}

func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	info, err := s.s.Stat(ctx, name)
	if err != nil {
		return nil, err
	}

	r, err := s.s.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	xname, ok := info.Metadata[NameKey]
	if !ok {
		return r, nil
	}
	defer r.Close()

	if xname != s.x.Name() {
		return nil, errors.Wrapf(verso.ErrCorrupt, "%s was written with transformer %s, not %s", name, xname, s.x.Name())
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading transformed %s", name)
	}
	data, err = s.x.Out(ctx, data)
	if err != nil {
		return nil, errors.Wrapf(err, "untransforming %s", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "reading content for %s", name)
	}
	tdata, err := s.x.In(ctx, data)
	if err != nil {
		return errors.Wrapf(err, "transforming %s", name)
	}

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[NameKey] = s.x.Name()
	meta[SizeKey] = strconv.Itoa(len(data))

	return s.s.Put(ctx, name, bytes.NewReader(tdata), meta)
}

func stripped(m map[string]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, v := range m {
		if k != NameKey && k != SizeKey {
			result[k] = v
		}
	}
	return result
}

func init() {
	store.RegisterObjects("transform", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		nested, err := store.Nested(conf)
		if err != nil {
			return nil, err
		}
		nestedStore, err := store.CreateObjects(ctx, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		transformer, ok := conf["transformer"].(string)
		if !ok {
			return nil, errors.New(`missing "transformer" parameter`)
		}
		switch transformer {
		case "lzw":
			order := lzw.LSB
			if o, ok := store.Int(conf, "order"); ok && lzw.Order(o) == lzw.MSB {
				order = lzw.MSB
			}
			return New(nestedStore, LZW{Order: order}), nil

		case "flate":
			level := -1
			if l, ok := store.Int(conf, "level"); ok {
				level = l
			}
			return New(nestedStore, Flate{Level: level}), nil

		default:
			return nil, fmt.Errorf(`unknown transformer "%s"`, transformer)
		}
	})
}
