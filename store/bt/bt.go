// Package bt implements object and pointer stores on Google Cloud Bigtable.
package bt

import (
	"bytes"
	"context"
	"io"
	"strings"

	"cloud.google.com/go/bigtable"
	"google.golang.org/api/option"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Store{}
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// Store is a Google Cloud Bigtable-backed implementation of object and pointer stores.
//
// Objects are rows keyed "o:"+name,
// with content and size in the "blob" family
// and metadata in the "meta" family (one column per key).
// Announcements are rows keyed "p:"+namespace
// in the "pointer" family.
type Store struct {
	t *bigtable.Table
}

// Column families.
// The table must have all three.
const (
	BlobFamily    = "blob"
	MetaFamily    = "meta"
	PointerFamily = "pointer"
)

const (
	datacol    = "data"
	sizecol    = "size"
	versioncol = "version"
	pincol     = "pin"
)

// New produces a new Store.
func New(t *bigtable.Table) *Store {
	return &Store{t: t}
}

func objectKey(name string) string {
	return "o:" + name
}

func pointerKey(ns string) string {
	return "p:" + ns
}

// Stat implements verso.ObjectGetter.
func (s *Store) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	filter := bigtable.ChainFilters(
		bigtable.LatestNFilter(1),
		bigtable.InterleaveFilters(
			bigtable.FamilyFilter("^"+MetaFamily+"$"),
			bigtable.ColumnFilter("^"+sizecol+"$"),
		),
	)
	row, err := s.t.ReadRow(ctx, objectKey(name), bigtable.RowFilter(filter))
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(err, "reading row for %s", name)
	}
	sizeItems := row[BlobFamily]
	if len(sizeItems) == 0 {
		return verso.ObjectInfo{}, verso.ErrNotFound
	}
	size, err := verso.ParseVersion(string(sizeItems[0].Value))
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(err, "parsing size of %s", name)
	}

	info := verso.ObjectInfo{Name: name, Size: int64(size)}
	if items := row[MetaFamily]; len(items) > 0 {
		info.Metadata = make(map[string]string, len(items))
		for _, item := range items {
			info.Metadata[strings.TrimPrefix(item.Column, MetaFamily+":")] = string(item.Value)
		}
	}
	return info, nil
}

// Open implements verso.ObjectGetter.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	filter := bigtable.ChainFilters(
		bigtable.LatestNFilter(1),
		bigtable.FamilyFilter("^"+BlobFamily+"$"),
		bigtable.ColumnFilter("^"+datacol+"$"),
	)
	row, err := s.t.ReadRow(ctx, objectKey(name), bigtable.RowFilter(filter))
	if err != nil {
		return nil, errors.Wrapf(err, "reading row for %s", name)
	}
	items := row[BlobFamily]
	if len(items) == 0 {
		return nil, verso.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(items[0].Value)), nil
}

// Put implements verso.ObjectStore.
// Bigtable cells are limited in size,
// so this is suitable only for modestly sized blobs.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "reading content for %s", name)
	}

	mut := bigtable.NewMutation()
	mut.DeleteCellsInFamily(BlobFamily)
	mut.DeleteCellsInFamily(MetaFamily)

	now := bigtable.Now()
	mut.Set(BlobFamily, datacol, now, data)
	mut.Set(BlobFamily, sizecol, now, []byte(verso.Version(len(data)).String()))
	for k, v := range metadata {
		mut.Set(MetaFamily, k, now, []byte(v))
	}

	err = s.t.Apply(ctx, objectKey(name), mut)
	return errors.Wrapf(err, "writing row for %s", name)
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	row, err := s.t.ReadRow(ctx, pointerKey(ns), bigtable.RowFilter(bigtable.LatestNFilter(1)))
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "reading pointer row for %s", ns)
	}
	return parseRow(ns, row)
}

func parseRow(ns string, row bigtable.Row) (verso.Announcement, error) {
	var (
		a     verso.Announcement
		found bool
	)
	for _, item := range row[PointerFamily] {
		v, err := verso.ParseVersion(string(item.Value))
		if err != nil {
			return verso.Announcement{}, errors.Wrapf(err, "parsing %s for %s", item.Column, ns)
		}
		switch strings.TrimPrefix(item.Column, PointerFamily+":") {
		case versioncol:
			a.Version = v
			found = true
		case pincol:
			a.Pin = &v
		}
	}
	if !found {
		return verso.Announcement{}, verso.ErrNotFound
	}
	return a, nil
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(ctx context.Context, ns string, v verso.Version) error {
	mut := bigtable.NewMutation()
	mut.DeleteCellsInColumn(PointerFamily, versioncol)
	mut.Set(PointerFamily, versioncol, bigtable.Now(), []byte(v.String()))
	err := s.t.Apply(ctx, pointerKey(ns), mut)
	return errors.Wrapf(err, "announcing %d for %s", v, ns)
}

// Pin implements verso.PointerStore.
func (s *Store) Pin(ctx context.Context, ns string, v *verso.Version) error {
	mut := bigtable.NewMutation()
	mut.DeleteCellsInColumn(PointerFamily, pincol)
	if v != nil {
		mut.Set(PointerFamily, pincol, bigtable.Now(), []byte(v.String()))
	}

	// Apply only if something has been announced.
	cond := bigtable.ChainFilters(
		bigtable.FamilyFilter("^"+PointerFamily+"$"),
		bigtable.ColumnFilter("^"+versioncol+"$"),
	)
	cmut := bigtable.NewCondMutation(cond, mut, nil)

	var matched bool
	err := s.t.Apply(ctx, pointerKey(ns), cmut, bigtable.GetCondMutationResult(&matched))
	if err != nil {
		return errors.Wrapf(err, "pinning %s", ns)
	}
	if !matched {
		return verso.ErrNotFound
	}
	return nil
}

// ListPointers implements verso.PointerLister.
func (s *Store) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	var innerErr error
	rowFn := func(row bigtable.Row) bool {
		ns := strings.TrimPrefix(row.Key(), "p:")
		a, err := parseRow(ns, row)
		if errors.Is(err, verso.ErrNotFound) {
			return true
		}
		if err == nil {
			err = f(ns, a)
		}
		if err != nil {
			innerErr = err
			return false
		}
		return true
	}
	err := s.t.ReadRows(ctx, bigtable.PrefixRange("p:"), rowFn, bigtable.RowFilter(bigtable.LatestNFilter(1)))
	if err != nil {
		return errors.Wrap(err, "reading pointer rows")
	}
	return innerErr
}

// CreateTable creates a table with the column families a Store needs.
func CreateTable(ctx context.Context, admin *bigtable.AdminClient, table string) error {
	if err := admin.CreateTable(ctx, table); err != nil {
		return errors.Wrapf(err, "creating table %s", table)
	}
	for _, fam := range []string{BlobFamily, MetaFamily, PointerFamily} {
		if err := admin.CreateColumnFamily(ctx, table, fam); err != nil {
			return errors.Wrapf(err, "creating column family %s", fam)
		}
	}
	return nil
}

func init() {
	factory := func(ctx context.Context, conf map[string]interface{}) (*Store, error) {
		project, ok := conf["project"].(string)
		if !ok {
			return nil, errors.New(`missing "project" parameter`)
		}
		instance, ok := conf["instance"].(string)
		if !ok {
			return nil, errors.New(`missing "instance" parameter`)
		}
		table, ok := conf["table"].(string)
		if !ok {
			return nil, errors.New(`missing "table" parameter`)
		}

		var options []option.ClientOption

		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := bigtable.NewClient(ctx, project, instance, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating bigtable client")
		}
		t := c.Open(table)
		return New(t), nil
	}
	store.RegisterObjects("bt", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		return factory(ctx, conf)
	})
	store.RegisterPointers("bt", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		return factory(ctx, conf)
	})
}
