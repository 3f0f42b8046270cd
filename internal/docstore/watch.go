package docstore

import (
	"context"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Watch registers fn to run after every change to the collection, or to one
// document of it when docID is non-empty. fn runs on the writer's goroutine
// after commit and must not block. The returned function unregisters it.
func (db *DB) Watch(collection, docID string, fn func()) (cancel func()) {
	db.watchMu.Lock()
	id := db.nextID
	db.nextID++
	db.watchers[id] = watcher{collection: collection, docID: docID, fn: fn}
	db.watchMu.Unlock()

	return func() {
		db.watchMu.Lock()
		delete(db.watchers, id)
		db.watchMu.Unlock()
	}
}

// notify runs the watchers interested in a change. An empty docID means
// "something in the collection changed" and reaches document watchers too.
func (db *DB) notify(collection, docID string) {
	db.watchMu.Lock()
	var fns []func()
	for _, w := range db.watchers {
		if w.collection != collection {
			continue
		}
		if w.docID != "" && docID != "" && w.docID != docID {
			continue
		}
		fns = append(fns, w.fn)
	}
	db.watchMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (db *DB) watchedCollections() []string {
	db.watchMu.Lock()
	defer db.watchMu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, w := range db.watchers {
		if !seen[w.collection] {
			seen[w.collection] = true
			out = append(out, w.collection)
		}
	}
	return out
}

// StartPolling detects writes made by other clients of the same database by
// hashing each watched collection every interval and notifying watchers when
// the hash moves. It is a no-op if polling is already running.
func (db *DB) StartPolling(interval time.Duration) {
	if interval <= 0 || db.pollCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	db.pollCancel = cancel

	db.pollWG.Add(1)
	go func() {
		defer db.pollWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		hashes := make(map[string]uint64)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.pollOnce(ctx, hashes)
			}
		}
	}()
}

// StopPolling stops the poller and waits for it to exit.
func (db *DB) StopPolling() {
	if db.pollCancel == nil {
		return
	}
	db.pollCancel()
	db.pollWG.Wait()
	db.pollCancel = nil
}

func (db *DB) pollOnce(ctx context.Context, hashes map[string]uint64) {
	for _, collection := range db.watchedCollections() {
		h, err := db.Hash(ctx, collection)
		if err != nil {
			if ctx.Err() == nil {
				db.logger.Printf("Warning: failed to poll %s: %v", collection, err)
			}
			continue
		}
		prev, seen := hashes[collection]
		hashes[collection] = h
		if seen && prev != h {
			db.notify(collection, "")
		}
	}
}

// Hash returns a content hash of a whole collection.
func (db *DB) Hash(ctx context.Context, collection string) (uint64, error) {
	records, err := db.GetAll(ctx, collection)
	if err != nil {
		return 0, err
	}
	return hashstructure.Hash(records, hashstructure.FormatV2, nil)
}
