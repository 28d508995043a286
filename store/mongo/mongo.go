// Package mongo implements a pointer store in a MongoDB collection.
package mongo

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// Store is a MongoDB-based pointer store.
// Each namespace's announcement is one document keyed by namespace.
// The caller owns the client lifecycle.
type Store struct {
	coll *mongo.Collection
}

// New produces a new Store using the given collection.
func New(coll *mongo.Collection) *Store {
	return &Store{coll: coll}
}

type announcementDoc struct {
	Namespace string `bson:"_id"`
	Version   int64  `bson:"version"`
	Pin       *int64 `bson:"pin_version,omitempty"`
}

func (d announcementDoc) announcement() verso.Announcement {
	a := verso.Announcement{Version: verso.Version(d.Version)}
	if d.Pin != nil {
		pin := verso.Version(*d.Pin)
		a.Pin = &pin
	}
	return a
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	var doc announcementDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": ns}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return verso.Announcement{}, verso.ErrNotFound
	}
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "getting announcement for %s", ns)
	}
	return doc.announcement(), nil
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(ctx context.Context, ns string, v verso.Version) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": ns},
		bson.M{"$set": bson.M{"version": int64(v)}},
		options.UpdateOne().SetUpsert(true),
	)
	return errors.Wrapf(err, "announcing %d for %s", v, ns)
}

// Pin implements verso.PointerStore.
func (s *Store) Pin(ctx context.Context, ns string, v *verso.Version) error {
	update := bson.M{"$unset": bson.M{"pin_version": ""}}
	if v != nil {
		update = bson.M{"$set": bson.M{"pin_version": int64(*v)}}
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": ns}, update)
	if err != nil {
		return errors.Wrapf(err, "pinning %s", ns)
	}
	if res.MatchedCount == 0 {
		return verso.ErrNotFound
	}
	return nil
}

// ListPointers implements verso.PointerLister.
func (s *Store) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return errors.Wrap(err, "querying announcements")
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc announcementDoc
		if err = cur.Decode(&doc); err != nil {
			return errors.Wrap(err, "decoding announcement")
		}
		if err = f(doc.Namespace, doc.announcement()); err != nil {
			return err
		}
	}
	return errors.Wrap(cur.Err(), "iterating over announcements")
}

func init() {
	store.RegisterPointers("mongo", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		uri, ok := conf["uri"].(string)
		if !ok {
			return nil, errors.New(`missing "uri" parameter`)
		}
		db, _ := conf["database"].(string)
		if db == "" {
			db = "verso"
		}
		coll, _ := conf["collection"].(string)
		if coll == "" {
			coll = "announcements"
		}

		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			return nil, errors.Wrap(err, "connecting to mongo")
		}
		if err = client.Ping(ctx, nil); err != nil {
			return nil, errors.Wrap(err, "pinging mongo")
		}
		return New(client.Database(db).Collection(coll)), nil
	})
}
