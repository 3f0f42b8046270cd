package remote

import (
	"context"
	"fmt"
	"log"

	"github.com/falconlib/falcon/internal/docstore"
	"github.com/falconlib/falcon/internal/schema"
)

// DocStore serves a docstore database as a Store. Subscriptions are driven
// by the database's change notifications, and by polling when other
// processes share the database.
type DocStore struct {
	db     *docstore.DB
	logger *log.Logger
}

// NewDocStore wraps db. The caller keeps ownership of db.
func NewDocStore(db *docstore.DB, logger *log.Logger) *DocStore {
	return &DocStore{db: db, logger: logger}
}

// DB returns the underlying database.
func (s *DocStore) DB() *docstore.DB {
	return s.db
}

// Upsert implements Store.
func (s *DocStore) Upsert(ctx context.Context, collection, id string, rec schema.Record) error {
	if err := s.db.Upsert(ctx, collection, id, rec); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete implements Store.
func (s *DocStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.db.Delete(ctx, collection, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetAll implements Store.
func (s *DocStore) GetAll(ctx context.Context, collection string) ([]schema.Record, error) {
	records, err := s.db.GetAll(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return records, nil
}

// Get implements Store.
func (s *DocStore) Get(ctx context.Context, collection, id string) (schema.Record, bool, error) {
	rec, ok, err := s.db.Get(ctx, collection, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return rec, ok, nil
}

// FindBy returns the documents whose field equals value.
func (s *DocStore) FindBy(ctx context.Context, collection, field, value string) ([]schema.Record, error) {
	return s.db.FindBy(ctx, collection, field, value)
}

// Subscribe implements Store.
func (s *DocStore) Subscribe(ctx context.Context, collection, docID string, fn Handler) (Unsubscribe, error) {
	load := func(ctx context.Context) (Snapshot, error) {
		snap := Snapshot{Collection: collection, DocID: docID}
		if docID == "" {
			records, err := s.db.GetAll(ctx, collection)
			if err != nil {
				return snap, err
			}
			snap.Records = records
			return snap, nil
		}
		rec, ok, err := s.db.Get(ctx, collection, docID)
		if err != nil {
			return snap, err
		}
		snap.Doc, snap.Exists = rec, ok
		return snap, nil
	}

	f := newFeed(ctx, load, fn, s.logger)
	cancel := s.db.Watch(collection, docID, f.signal)

	return func() {
		cancel()
		f.stop()
	}, nil
}
