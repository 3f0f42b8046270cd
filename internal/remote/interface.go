// Package remote defines the remote document store seen by the sync engine
// and its implementations.
package remote

import (
	"context"
	"errors"

	"github.com/falconlib/falcon/internal/schema"
)

// ErrUnavailable is returned by backends that cannot reach the store.
var ErrUnavailable = errors.New("remote store unavailable")

// Snapshot is the state delivered to subscribers: the whole collection for a
// collection subscription, or one document for a document subscription.
type Snapshot struct {
	Collection string `json:"collection"`
	DocID      string `json:"docId,omitempty"`

	// Records holds the collection contents ordered by id (collection
	// subscriptions only).
	Records []schema.Record `json:"records,omitempty"`

	// Doc and Exists describe the document (document subscriptions only).
	Doc    schema.Record `json:"doc,omitempty"`
	Exists bool          `json:"exists,omitempty"`
}

// Handler receives snapshots. It is called once with the current state right
// after subscribing and then after every change.
type Handler func(Snapshot)

// Unsubscribe cancels a subscription. It is safe to call more than once.
type Unsubscribe func()

// Store is a collection-oriented document store.
//
// Every record returned by GetAll and Get carries its document id in the
// "id" field. Upsert merges top-level fields into the stored document and is
// idempotent.
type Store interface {
	// Upsert inserts the document or merges rec into it.
	Upsert(ctx context.Context, collection, id string, rec schema.Record) error

	// Delete removes a document. Deleting an absent document succeeds.
	Delete(ctx context.Context, collection, id string) error

	// GetAll returns every document of the collection.
	GetAll(ctx context.Context, collection string) ([]schema.Record, error)

	// Get returns one document and whether it exists.
	Get(ctx context.Context, collection, id string) (schema.Record, bool, error)

	// Subscribe delivers snapshots of the collection (docID == "") or of one
	// document to fn until the returned Unsubscribe is called or ctx ends.
	Subscribe(ctx context.Context, collection, docID string, fn Handler) (Unsubscribe, error)
}
