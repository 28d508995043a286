// Package sqlite3 implements object and pointer stores in a Sqlite database.
package sqlite3

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	stderrs "errors"
	"io"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Store{}
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// Store is a Sqlite-based object and pointer store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `objects` and `announcements` tables if they do not exist.
// (If they do exist, they must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS objects (
  name TEXT PRIMARY KEY NOT NULL,
  data BLOB NOT NULL,
  metadata TEXT
);

CREATE TABLE IF NOT EXISTS announcements (
  namespace TEXT PRIMARY KEY NOT NULL,
  version INTEGER NOT NULL,
  pin_version INTEGER
);
`

// New produces a new Store using `db` for storage.
// It expects to create tables `objects` and `announcements`,
// or for those tables already to exist with the correct schema.
// (See variable Schema.)
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, err
}

// Stat implements verso.ObjectGetter.
func (s *Store) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	const q = `SELECT length(data), metadata FROM objects WHERE name = $1`

	var (
		info = verso.ObjectInfo{Name: name}
		meta sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, name).Scan(&info.Size, &meta)
	if stderrs.Is(err, sql.ErrNoRows) {
		return verso.ObjectInfo{}, verso.ErrNotFound
	}
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(err, "querying %s", name)
	}
	if meta.Valid {
		err = json.Unmarshal([]byte(meta.String), &info.Metadata)
	}
	return info, errors.Wrapf(err, "decoding metadata for %s", name)
}

// Open implements verso.ObjectGetter.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	const q = `SELECT data FROM objects WHERE name = $1`

	var data []byte
	err := s.db.QueryRowContext(ctx, q, name).Scan(&data)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, verso.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put implements verso.ObjectStore.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	const q = `INSERT INTO objects (name, data, metadata) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET data = excluded.data, metadata = excluded.metadata`

	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "reading content for %s", name)
	}
	var meta sql.NullString
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return errors.Wrapf(err, "encoding metadata for %s", name)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, q, name, data, meta)
	return errors.Wrapf(err, "storing %s", name)
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	const q = `SELECT version, pin_version FROM announcements WHERE namespace = $1`

	var (
		a   verso.Announcement
		pin sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, q, ns).Scan(&a.Version, &pin)
	if stderrs.Is(err, sql.ErrNoRows) {
		return verso.Announcement{}, verso.ErrNotFound
	}
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "querying announcement for %s", ns)
	}
	a.Pin = pinPtr(pin)
	return a, nil
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(ctx context.Context, ns string, v verso.Version) error {
	const q = `INSERT INTO announcements (namespace, version) VALUES ($1, $2)
		ON CONFLICT (namespace) DO UPDATE SET version = excluded.version`

	_, err := s.db.ExecContext(ctx, q, ns, v)
	return errors.Wrapf(err, "announcing %d for %s", v, ns)
}

// Pin implements verso.PointerStore.
func (s *Store) Pin(ctx context.Context, ns string, v *verso.Version) error {
	const q = `UPDATE announcements SET pin_version = $2 WHERE namespace = $1`

	var pin sql.NullInt64
	if v != nil {
		pin = sql.NullInt64{Int64: int64(*v), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, q, ns, pin)
	if err != nil {
		return errors.Wrapf(err, "pinning %s", ns)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return verso.ErrNotFound
	}
	return nil
}

// ListPointers implements verso.PointerLister.
func (s *Store) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	const q = `SELECT namespace, version, pin_version FROM announcements ORDER BY namespace`
	return sqlutil.ForQueryRows(ctx, s.db, q, func(ns string, v int64, pin sql.NullInt64) error {
		return f(ns, verso.Announcement{Version: verso.Version(v), Pin: pinPtr(pin)})
	})
}

func pinPtr(pin sql.NullInt64) *verso.Version {
	if !pin.Valid {
		return nil
	}
	v := verso.Version(pin.Int64)
	return &v
}

func init() {
	factory := func(ctx context.Context, conf map[string]interface{}) (*Store, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	}
	store.RegisterObjects("sqlite3", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		return factory(ctx, conf)
	})
	store.RegisterPointers("sqlite3", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		return factory(ctx, conf)
	})
}
