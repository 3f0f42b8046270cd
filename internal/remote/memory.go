package remote

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/falconlib/falcon/internal/schema"
)

// Op is one call recorded by Memory.
type Op struct {
	Kind       string // upsert, delete, getAll, get, subscribe
	Collection string
	ID         string
}

// Memory is an in-process Store. It backs offline mode and tests: it records
// every call and can be told to fail.
type Memory struct {
	mu    sync.Mutex
	docs  map[string]map[string]schema.Record
	ops   []Op
	fail  error
	feeds map[*feed]memorySub

	logger *log.Logger
}

type memorySub struct {
	collection string
	docID      string
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[string]map[string]schema.Record),
		feeds:  make(map[*feed]memorySub),
		logger: log.New(io.Discard, "", 0),
	}
}

// SetFailure makes every subsequent call return err (nil restores service).
// Subscriptions already open stay open but receive nothing while failing.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Ops returns a copy of the recorded calls.
func (m *Memory) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.ops...)
}

// ResetOps clears the recorded calls.
func (m *Memory) ResetOps() {
	m.mu.Lock()
	m.ops = nil
	m.mu.Unlock()
}

// Count returns how many recorded calls match kind, collection and id. An
// empty collection or id matches anything.
func (m *Memory) Count(kind, collection, id string) int {
	n := 0
	for _, op := range m.Ops() {
		if op.Kind != kind {
			continue
		}
		if collection != "" && op.Collection != collection {
			continue
		}
		if id != "" && op.ID != id {
			continue
		}
		n++
	}
	return n
}

// Seed stores documents without recording calls or notifying subscribers.
func (m *Memory) Seed(collection string, records ...schema.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.put(collection, r.ID(), r)
	}
}

func (m *Memory) put(collection, id string, rec schema.Record) {
	coll, ok := m.docs[collection]
	if !ok {
		coll = make(map[string]schema.Record)
		m.docs[collection] = coll
	}
	merged := schema.Record{}
	if existing, ok := coll[id]; ok {
		merged = existing
	}
	merged = merged.Merge(rec.Clone()).Merge(schema.Record{"id": id})
	coll[id] = merged
}

func (m *Memory) begin(kind, collection, id string) error {
	m.ops = append(m.ops, Op{Kind: kind, Collection: collection, ID: id})
	if m.fail != nil {
		return fmt.Errorf("%s %s/%s: %w", kind, collection, id, m.fail)
	}
	return nil
}

// Upsert implements Store.
func (m *Memory) Upsert(ctx context.Context, collection, id string, rec schema.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.begin("upsert", collection, id); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, err := schema.Normalize(rec); err != nil {
		m.mu.Unlock()
		return err
	}
	m.put(collection, id, rec)
	feeds := m.feedsFor(collection, id)
	m.mu.Unlock()

	for _, f := range feeds {
		f.signal()
	}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.begin("delete", collection, id); err != nil {
		m.mu.Unlock()
		return err
	}
	var feeds []*feed
	if _, ok := m.docs[collection][id]; ok {
		delete(m.docs[collection], id)
		feeds = m.feedsFor(collection, id)
	}
	m.mu.Unlock()

	for _, f := range feeds {
		f.signal()
	}
	return nil
}

// GetAll implements Store.
func (m *Memory) GetAll(ctx context.Context, collection string) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("getAll", collection, ""); err != nil {
		return nil, err
	}
	return m.snapshot(collection), nil
}

func (m *Memory) snapshot(collection string) []schema.Record {
	out := make([]schema.Record, 0, len(m.docs[collection]))
	for _, r := range m.docs[collection] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, collection, id string) (schema.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("get", collection, id); err != nil {
		return nil, false, err
	}
	rec, ok := m.docs[collection][id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, collection, docID string, fn Handler) (Unsubscribe, error) {
	m.mu.Lock()
	if err := m.begin("subscribe", collection, docID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	load := func(context.Context) (Snapshot, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.fail != nil {
			return Snapshot{}, m.fail
		}
		snap := Snapshot{Collection: collection, DocID: docID}
		if docID == "" {
			snap.Records = m.snapshot(collection)
		} else if rec, ok := m.docs[collection][docID]; ok {
			snap.Doc, snap.Exists = rec.Clone(), true
		}
		return snap, nil
	}

	m.mu.Lock()
	f := newFeed(ctx, load, fn, m.logger)
	m.feeds[f] = memorySub{collection: collection, docID: docID}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.feeds, f)
		m.mu.Unlock()
		f.stop()
	}, nil
}

// Subscribers returns the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

func (m *Memory) feedsFor(collection, id string) []*feed {
	var out []*feed
	for f, sub := range m.feeds {
		if sub.collection != collection {
			continue
		}
		if sub.docID != "" && sub.docID != id {
			continue
		}
		out = append(out, f)
	}
	return out
}
