// Package mongo stores the profile tree in MongoDB: the first path segment names the
// collection, the second is the document _id and deeper segments address nested fields.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/treedb"
)

const connectTimeout = 10 * time.Second

// Tree implements treedb.DB over a Mongo database.
type Tree struct {
	db  *mongo.Database
	now func() time.Time
}

var _ treedb.DB = (*Tree)(nil)

// New wraps an open database.
func New(db *mongo.Database) *Tree { return &Tree{db: db, now: time.Now} }

// Connect dials uri, pings the server and returns the client.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

type address struct {
	coll  string
	id    string
	field string
}

func parse(path string) (address, error) {
	segs := treedb.Split(path)
	if len(segs) == 0 {
		return address{}, errors.New("mongo tree: empty path")
	}
	a := address{coll: segs[0]}
	if len(segs) > 1 {
		a.id = segs[1]
	}
	if len(segs) > 2 {
		a.field = strings.Join(segs[2:], ".")
	}
	return a, nil
}

func (a address) prefixed(k string) string {
	if a.field == "" {
		return k
	}
	return a.field + "." + k
}

// Get returns a document, a nested value, or all documents of a collection.
func (t *Tree) Get(ctx context.Context, path string) (any, error) {
	a, err := parse(path)
	if err != nil {
		return nil, err
	}
	if a.id == "" {
		all, err := t.find(ctx, a.coll, bson.M{})
		if err != nil || len(all) == 0 {
			return nil, err
		}
		out := make(map[string]any, len(all))
		for k, rec := range all {
			out[k] = map[string]any(rec)
		}
		return out, nil
	}

	var doc bson.M
	err = t.db.Collection(a.coll).FindOne(ctx, bson.M{"_id": a.id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	delete(doc, "_id")
	var cur any = plain(doc)
	if a.field == "" {
		return cur, nil
	}
	for _, seg := range strings.Split(a.field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		if cur, ok = m[seg]; !ok {
			return nil, nil
		}
	}
	return cur, nil
}

// Set replaces a document or a nested value. Collection-level writes are rejected.
func (t *Tree) Set(ctx context.Context, path string, value any) error {
	if value == nil {
		return t.Remove(ctx, path)
	}
	a, err := parse(path)
	if err != nil {
		return err
	}
	if a.id == "" {
		return fmt.Errorf("mongo tree: cannot set collection %q", a.coll)
	}
	v := treedb.Normalize(value, t.now())
	coll := t.db.Collection(a.coll)

	if a.field != "" {
		_, err = coll.UpdateOne(ctx, bson.M{"_id": a.id},
			bson.M{"$set": bson.M{a.field: v}}, options.Update().SetUpsert(true))
		return err
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("mongo tree: document %s must be an object", path)
	}
	repl := bson.M{"_id": a.id}
	for k, e := range doc {
		repl[k] = e
	}
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": a.id}, repl, options.Replace().SetUpsert(true))
	return err
}

// Update applies $set for non-nil fields and $unset for nil ones.
func (t *Tree) Update(ctx context.Context, path string, fields map[string]any) error {
	a, err := parse(path)
	if err != nil {
		return err
	}
	if a.id == "" {
		return fmt.Errorf("mongo tree: cannot update collection %q", a.coll)
	}
	set, unset := bson.M{}, bson.M{}
	now := t.now()
	for k, v := range fields {
		if v == nil {
			unset[a.prefixed(k)] = ""
			continue
		}
		set[a.prefixed(k)] = treedb.Normalize(v, now)
	}
	upd := bson.M{}
	if len(set) > 0 {
		upd["$set"] = set
	}
	if len(unset) > 0 {
		upd["$unset"] = unset
	}
	if len(upd) == 0 {
		return nil
	}
	_, err = t.db.Collection(a.coll).UpdateOne(ctx, bson.M{"_id": a.id}, upd, options.Update().SetUpsert(true))
	return err
}

// Remove deletes a collection, a document or a nested field.
func (t *Tree) Remove(ctx context.Context, path string) error {
	a, err := parse(path)
	if err != nil {
		return err
	}
	coll := t.db.Collection(a.coll)
	switch {
	case a.id == "":
		return coll.Drop(ctx)
	case a.field == "":
		_, err = coll.DeleteOne(ctx, bson.M{"_id": a.id})
	default:
		_, err = coll.UpdateOne(ctx, bson.M{"_id": a.id}, bson.M{"$unset": bson.M{a.field: ""}})
	}
	return err
}

// QueryByChild finds documents of collection whose top-level field equals value.
func (t *Tree) QueryByChild(ctx context.Context, collection, field string, value any) (map[string]model.Record, error) {
	return t.find(ctx, treedb.Join(collection), bson.M{field: value})
}

func (t *Tree) find(ctx context.Context, coll string, filter bson.M) (map[string]model.Record, error) {
	cur, err := t.db.Collection(coll).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := map[string]model.Record{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		id := fmt.Sprint(doc["_id"])
		delete(doc, "_id")
		out[id] = model.Record(plain(doc).(map[string]any))
	}
	return out, cur.Err()
}

// plain converts decoded BSON containers into the JSON-shaped values used by treedb.
func plain(v any) any {
	switch t := v.(type) {
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plain(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plain(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = plain(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	case primitive.DateTime:
		return int64(t)
	default:
		return v
	}
}
