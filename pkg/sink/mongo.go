package sink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// resultDocument is the stored shape of a Result.
type resultDocument struct {
	RunID       string         `bson:"run_id"`
	SequenceID  int64          `bson:"sequence_id"`
	Status      work.Status    `bson:"status"`
	Payload     string         `bson:"payload,omitempty"`
	Kind        work.ErrorKind `bson:"error_kind,omitempty"`
	Detail      string         `bson:"detail,omitempty"`
	Attempts    int            `bson:"attempts"`
	CompletedAt time.Time      `bson:"completed_at"`
}

// MongoSink upserts results into a collection, one document per
// (run_id, sequence_id).
type MongoSink struct {
	col   *mongo.Collection
	runID string
	now   func() time.Time
}

// NewMongoSink creates the sink and ensures the unique index exists.
func NewMongoSink(ctx context.Context, col *mongo.Collection, runID string) (*MongoSink, error) {
	if col == nil {
		return nil, fmt.Errorf("mongo collection is required")
	}

	_, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "sequence_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create result index: %w", err)
	}

	return &MongoSink{col: col, runID: runID, now: time.Now}, nil
}

// Accept implements Sink.
func (s *MongoSink) Accept(ctx context.Context, r work.Result) error {
	doc := resultDocument{
		RunID:       s.runID,
		SequenceID:  int64(r.SequenceID),
		Status:      r.Status,
		Payload:     string(r.Payload),
		Kind:        r.Kind,
		Detail:      r.Detail,
		Attempts:    r.Attempts,
		CompletedAt: s.now().UTC(),
	}

	filter := bson.M{"run_id": s.runID, "sequence_id": doc.SequenceID}
	if _, err := s.col.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo upsert result %d: %w", r.SequenceID, err)
	}
	return nil
}

// Count returns the number of stored results of this run.
func (s *MongoSink) Count(ctx context.Context) (int64, error) {
	return s.col.CountDocuments(ctx, bson.M{"run_id": s.runID})
}

// Get returns the stored result for id.
func (s *MongoSink) Get(ctx context.Context, id uint64) (work.Result, error) {
	var doc resultDocument
	err := s.col.FindOne(ctx, bson.M{"run_id": s.runID, "sequence_id": int64(id)}).Decode(&doc)
	if err != nil {
		return work.Result{}, fmt.Errorf("mongo find result %d: %w", id, err)
	}
	r := work.Result{
		SequenceID: uint64(doc.SequenceID),
		Status:     doc.Status,
		Kind:       doc.Kind,
		Detail:     doc.Detail,
		Attempts:   doc.Attempts,
	}
	if doc.Payload != "" {
		r.Payload = []byte(doc.Payload)
	}
	return r, nil
}
