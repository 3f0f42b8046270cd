package remote

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/falconlib/falcon/internal/schema"
)

// Adapter is the best-effort face of a Store used by the sync engine. Every
// failure is logged and swallowed: writes report false, reads report not ok,
// and a failed subscription yields a no-op Unsubscribe. Nothing is retried.
type Adapter struct {
	store   Store
	timeout time.Duration
	logger  *log.Logger
}

// NewAdapter wraps store. A zero timeout leaves calls unbounded.
func NewAdapter(store Store, timeout time.Duration, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Adapter{store: store, timeout: timeout, logger: logger}
}

// Store returns the wrapped store.
func (a *Adapter) Store() Store {
	return a.store
}

func (a *Adapter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// Upsert writes one document and reports whether the store accepted it.
func (a *Adapter) Upsert(ctx context.Context, collection, id string, rec schema.Record) bool {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.store.Upsert(ctx, collection, id, rec); err != nil {
		a.logger.Printf("Failed to upsert %s/%s: %v", collection, id, err)
		return false
	}
	return true
}

// Delete removes one document and reports whether the store accepted it.
func (a *Adapter) Delete(ctx context.Context, collection, id string) bool {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.store.Delete(ctx, collection, id); err != nil {
		a.logger.Printf("Failed to delete %s/%s: %v", collection, id, err)
		return false
	}
	return true
}

// GetAll lists a collection. ok is false when the store could not be read.
func (a *Adapter) GetAll(ctx context.Context, collection string) (records []schema.Record, ok bool) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	records, err := a.store.GetAll(ctx, collection)
	if err != nil {
		a.logger.Printf("Failed to fetch %s: %v", collection, err)
		return nil, false
	}
	return records, true
}

// Get fetches one document. ok is false when it is absent or unreadable.
func (a *Adapter) Get(ctx context.Context, collection, id string) (rec schema.Record, ok bool) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	rec, exists, err := a.store.Get(ctx, collection, id)
	if err != nil {
		a.logger.Printf("Failed to fetch %s/%s: %v", collection, id, err)
		return nil, false
	}
	return rec, exists
}

// Subscribe opens a change feed. The subscription itself is not bounded by
// the adapter's timeout.
func (a *Adapter) Subscribe(ctx context.Context, collection, docID string, fn Handler) Unsubscribe {
	unsub, err := a.store.Subscribe(ctx, collection, docID, fn)
	if err != nil {
		a.logger.Printf("Failed to subscribe to %s: %v", collection, err)
		return func() {}
	}
	return unsub
}
