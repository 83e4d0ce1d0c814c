// Package audit keeps the per-claim and per-job lifecycle record. Entries are
// merged field by field, never overwritten wholesale, so issuance, redemption
// and mint can be reconstructed after the fact — and so a duplicated mint
// completion leaves the record unchanged instead of double counting.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Fields is a partial update merged onto the entry for a reference.
type Fields map[string]any

// Trail records lifecycle transitions keyed by claim or job reference.
type Trail interface {
	Merge(ctx context.Context, ref string, fields Fields) error
	Get(ctx context.Context, ref string) (Fields, error)
}

const defaultRetentionDays = 90

type mongoTrail struct {
	coll *mongo.Collection
}

// NewMongoTrail binds the trail to a collection and installs the retention
// TTL index. retentionDays <= 0 uses the 90 day default, well beyond any
// dispute window.
func NewMongoTrail(ctx context.Context, coll *mongo.Collection, retentionDays int) (Trail, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "first_seen_at", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(int32(retentionDays * 24 * 60 * 60)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit retention index: %w", err)
	}
	return &mongoTrail{coll: coll}, nil
}

func (t *mongoTrail) Merge(ctx context.Context, ref string, fields Fields) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		set[k] = v
	}
	_, err := t.coll.UpdateOne(ctx,
		bson.M{"_id": ref},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"first_seen_at": time.Now().UTC()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to merge audit entry %s: %w", ref, err)
	}
	return nil
}

func (t *mongoTrail) Get(ctx context.Context, ref string) (Fields, error) {
	var doc bson.M
	if err := t.coll.FindOne(ctx, bson.M{"_id": ref}).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to load audit entry %s: %w", ref, err)
	}
	fields := make(Fields, len(doc))
	for k, v := range doc {
		fields[k] = v
	}
	return fields, nil
}

func (t *mongoTrail) UpdatedSince(ctx context.Context, since time.Time) (map[string]Fields, error) {
	cur, err := t.coll.Find(ctx, bson.M{"updated_at": bson.M{"$gte": since}})
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[string]Fields)
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ref, ok := doc["_id"].(string)
		if !ok {
			continue
		}
		fields := make(Fields, len(doc))
		for k, v := range doc {
			fields[k] = v
		}
		out[ref] = fields
	}
	return out, cur.Err()
}

// MemoryTrail is the in-memory trail used in tests and local development.
type MemoryTrail struct {
	mu      sync.RWMutex
	entries map[string]Fields
	updated map[string]time.Time
	now     func() time.Time
}

func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{
		entries: make(map[string]Fields),
		updated: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the update clock, used by snapshot tests.
func (t *MemoryTrail) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *MemoryTrail) Merge(_ context.Context, ref string, fields Fields) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[ref]
	if !ok {
		entry = make(Fields)
		t.entries[ref] = entry
	}
	for k, v := range fields {
		entry[k] = v
	}
	t.updated[ref] = t.now()
	return nil
}

func (t *MemoryTrail) Get(_ context.Context, ref string) (Fields, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[ref]
	if !ok {
		return nil, fmt.Errorf("audit: no entry for %s", ref)
	}
	copied := make(Fields, len(entry))
	for k, v := range entry {
		copied[k] = v
	}
	return copied, nil
}

func (t *MemoryTrail) UpdatedSince(_ context.Context, since time.Time) (map[string]Fields, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Fields)
	for ref, at := range t.updated {
		if at.Before(since) {
			continue
		}
		entry := t.entries[ref]
		copied := make(Fields, len(entry))
		for k, v := range entry {
			copied[k] = v
		}
		out[ref] = copied
	}
	return out, nil
}
