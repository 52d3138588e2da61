package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/drip/pkg/api"
)

// MongoStore keeps trait profiles and the event log in MongoDB.
//
// Each customer has one trait document; batches are applied with an
// optimistic rev check so concurrent writers never interleave within a
// batch. Trait names may contain dots, so traits are stored as an array.
type MongoStore struct {
	traits *mongo.Collection
	events *mongo.Collection
	// MaxRetries bounds the optimistic retry loop of UpsertTraits.
	MaxRetries int
}

var (
	_ TraitStore = (*MongoStore)(nil)
	_ EventLog   = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed trait store and event log.
// dbName defaults to "drip".
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "drip"
	}
	db := client.Database(dbName)
	return &MongoStore{
		traits:     db.Collection("traits"),
		events:     db.Collection("events"),
		MaxRetries: 16,
	}
}

// EnsureIndexes creates the indexes used by ListEvents.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "ts", Value: 1}},
	})
	return err
}

type mongoTrait struct {
	Name  string    `bson:"name"`
	Value []byte    `bson:"value"`
	AsOf  time.Time `bson:"as_of"`
}

type mongoTraitDoc struct {
	ID     string       `bson:"_id"`
	Rev    int64        `bson:"rev"`
	Traits []mongoTrait `bson:"traits"`
}

type mongoEventDoc struct {
	ID         any       `bson:"_id,omitempty"`
	CustomerID string    `bson:"customer_id"`
	Timestamp  time.Time `bson:"ts"`
	Body       []byte    `bson:"body"`
}

func (s *MongoStore) loadTraits(ctx context.Context, customerID string) (mongoTraitDoc, bool, error) {
	var doc mongoTraitDoc
	err := s.traits.FindOne(ctx, bson.M{"_id": customerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mongoTraitDoc{ID: customerID}, false, nil
	}
	if err != nil {
		return doc, false, err
	}
	return doc, true, nil
}

func (s *MongoStore) UpsertTraits(ctx context.Context, customerID string, values map[string]api.Value, asOf time.Time) (UpsertResult, error) {
	asOf = asOf.UTC().Truncate(time.Millisecond)
	encoded := make(map[string][]byte, len(values))
	for name, v := range values {
		b, err := EncodeValue(v)
		if err != nil {
			return UpsertResult{}, err
		}
		encoded[name] = b
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	for attempt := 0; attempt < s.MaxRetries; attempt++ {
		doc, exists, err := s.loadTraits(ctx, customerID)
		if err != nil {
			return UpsertResult{}, err
		}
		idx := make(map[string]int, len(doc.Traits))
		for i, t := range doc.Traits {
			idx[t.Name] = i
		}

		var res UpsertResult
		for _, name := range names {
			if i, ok := idx[name]; ok {
				if doc.Traits[i].AsOf.After(asOf) {
					res.Stale = append(res.Stale, name)
					continue
				}
				doc.Traits[i] = mongoTrait{Name: name, Value: encoded[name], AsOf: asOf}
			} else {
				doc.Traits = append(doc.Traits, mongoTrait{Name: name, Value: encoded[name], AsOf: asOf})
			}
			res.Applied = append(res.Applied, name)
		}
		if len(res.Applied) == 0 {
			return res, nil
		}

		if !exists {
			doc.Rev = 1
			_, err := s.traits.InsertOne(ctx, doc)
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return UpsertResult{}, err
			}
			return res, nil
		}

		upd, err := s.traits.UpdateOne(ctx,
			bson.M{"_id": customerID, "rev": doc.Rev},
			bson.M{"$set": bson.M{"traits": doc.Traits}, "$inc": bson.M{"rev": 1}},
		)
		if err != nil {
			return UpsertResult{}, err
		}
		if upd.MatchedCount == 1 {
			return res, nil
		}
	}
	return UpsertResult{}, fmt.Errorf("upsert traits for %s: too much contention", customerID)
}

func (s *MongoStore) GetTraits(ctx context.Context, customerID string) (api.Snapshot, error) {
	snap := api.Snapshot{CustomerID: customerID, Traits: make(map[string]api.Trait)}
	doc, _, err := s.loadTraits(ctx, customerID)
	if err != nil {
		return snap, err
	}
	for _, t := range doc.Traits {
		v, err := DecodeValue[api.Value](t.Value)
		if err != nil {
			return snap, fmt.Errorf("decode trait %s: %w", t.Name, err)
		}
		asOf := t.AsOf.UTC()
		snap.Traits[t.Name] = api.Trait{Name: t.Name, Value: v, AsOf: asOf}
		if asOf.After(snap.AsOf) {
			snap.AsOf = asOf
		}
	}
	return snap, nil
}

func (s *MongoStore) ListCustomers(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	ids, err := s.traits.Distinct(ctx, "_id", bson.D{})
	if err != nil {
		return nil, err
	}
	more, err := s.events.Distinct(ctx, "customer_id", bson.D{})
	if err != nil {
		return nil, err
	}
	for _, id := range append(ids, more...) {
		if str, ok := id.(string); ok {
			seen[str] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev api.Event) error {
	body, err := EncodeValue(ev)
	if err != nil {
		return err
	}
	doc := mongoEventDoc{CustomerID: ev.CustomerID, Timestamp: ev.Timestamp.UTC(), Body: body}
	if ev.ID != "" {
		doc.ID = ev.ID
	}
	_, err = s.events.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *MongoStore) ListEvents(ctx context.Context, customerID string) ([]api.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}})
	cur, err := s.events.Find(ctx, bson.M{"customer_id": customerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev, err := DecodeValue[api.Event](doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
