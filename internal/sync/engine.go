package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sourcegraph/conc/pool"

	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
)

// Origin tags the cache writes made by the engine itself.
const Origin = "sync"

var (
	// ErrNotFound is returned when a helper targets a record that does not
	// exist locally.
	ErrNotFound = errors.New("record not found")

	// ErrNoSession is returned by Start without a signed-in user.
	ErrNoSession = errors.New("no active session")

	errDeferred = errors.New("pushes in flight")
)

// State is the sync state of one collection.
type State string

const (
	StateIdle       State = "idle"
	StatePulling    State = "pulling"
	StateReconciled State = "reconciled"
	StatePushing    State = "pushing"
	StateReceiving  State = "receiving"
)

// Stats counts engine activity since construction.
type Stats struct {
	Pulls      int64 // remote snapshots fetched during reconciliation
	Pushes     int64 // upserts accepted by the remote
	Deletes    int64 // deletes accepted by the remote
	Failures   int64 // remote calls that failed
	Applied    int64 // notifications that overwrote the cache
	Suppressed int64 // notifications equal to the cache
	Deferred   int64 // notifications held back by pushes in flight
}

// Config tunes an Engine.
type Config struct {
	// PushConcurrency bounds the upserts of a full push (default 4).
	PushConcurrency int

	// Logger for engine activity (default: stderr logger with "[sync] ").
	Logger *log.Logger
}

// Engine synchronizes the tracked collections of a cache with a remote store.
type Engine struct {
	cache       *cache.Cache
	remote      *remote.Adapter
	logger      *log.Logger
	concurrency int

	// mu serializes read-modify-write of the cache by helpers and
	// notifications.
	mu      gosync.Mutex
	refresh func(collection string)

	// inflight counts local pushes per collection that have not settled.
	// A notification arriving meanwhile is deferred and the collection is
	// re-read once they settle. Guarded by mu.
	inflight map[string]int
	deferred map[string]bool

	// acked is the cache write sequence of the latest foreign write per
	// collection that has been turned into a resync. A newer foreign write
	// holds notifications back until its resync settles. Guarded by mu.
	acked map[string]uint64

	// lifeMu guards the lifecycle fields and every pending.Add.
	lifeMu    gosync.Mutex
	life      context.Context
	kill      context.CancelFunc
	stopped   bool
	running   bool
	userID    string
	unobserve func()
	pending   gosync.WaitGroup

	subsMu gosync.Mutex
	subs   map[string]remote.Unsubscribe

	// chains orders targeted pushes to the same document.
	chainMu gosync.Mutex
	chains  map[string]chan struct{}

	stateMu gosync.Mutex
	states  map[string]State

	pulls, pushes, deletes, failures, applied, suppressed, held atomic.Int64
}

// New creates an engine over c and store. Nothing happens until Start, but
// the CRUD helpers already push their targeted changes.
func New(c *cache.Cache, store *remote.Adapter, config *Config) *Engine {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	concurrency := config.PushConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	states := make(map[string]State, len(schema.Tracked))
	for _, coll := range schema.Tracked {
		states[coll] = StateIdle
	}

	life, kill := context.WithCancel(context.Background())
	return &Engine{
		life:        life,
		kill:        kill,
		acked:       make(map[string]uint64),
		cache:       c,
		remote:      store,
		logger:      logger,
		concurrency: concurrency,
		subs:        make(map[string]remote.Unsubscribe),
		chains:      make(map[string]chan struct{}),
		inflight:    make(map[string]int),
		deferred:    make(map[string]bool),
		states:      states,
	}
}

// SetRefresh registers fn to run after a remote change overwrote a
// collection in the cache. fn runs on a subscription goroutine; it may use
// the engine's helpers but must not call Stop.
func (e *Engine) SetRefresh(fn func(collection string)) {
	e.mu.Lock()
	e.refresh = fn
	e.mu.Unlock()
}

// State returns the sync state of a tracked collection.
func (e *Engine) State(collection string) State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.states[collection]
}

func (e *Engine) setState(collection string, s State) {
	e.stateMu.Lock()
	e.states[collection] = s
	e.stateMu.Unlock()
}

// Stats returns a snapshot of the activity counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Pulls:      e.pulls.Load(),
		Pushes:     e.pushes.Load(),
		Deletes:    e.deletes.Load(),
		Failures:   e.failures.Load(),
		Applied:    e.applied.Load(),
		Suppressed: e.suppressed.Load(),
		Deferred:   e.held.Load(),
	}
}

// Running reports whether a session is being synchronized.
func (e *Engine) Running() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.running
}

// UserID returns the user of the current or last session.
func (e *Engine) UserID() string {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.userID
}

// Start begins synchronizing for userID. Reconciliation and subscriptions
// proceed in the background; use Wait to block until reconciliation is
// done. Calling Start again re-reconciles and replaces every subscription.
// Live subscriptions end at Stop or when ctx is done.
func (e *Engine) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoSession
	}

	e.lifeMu.Lock()
	if e.life.Err() != nil {
		e.life, e.kill = context.WithCancel(context.Background())
	}
	life := e.life
	e.stopped = false
	e.running = true
	e.userID = userID
	if e.unobserve == nil {
		e.unobserve = e.cache.Observe(e.onLocalWrite)
	}
	e.lifeMu.Unlock()

	// Local contents are reconciled below; earlier foreign writes need no
	// separate resync.
	e.mu.Lock()
	for _, coll := range schema.Tracked {
		if seq := e.cache.LastWrite(coll, Origin); seq > e.acked[coll] {
			e.acked[coll] = seq
		}
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(life, cancel)

	e.logger.Printf("Starting sync for user %s", userID)
	for _, coll := range schema.Tracked {
		e.spawn(func() { e.reconcile(ctx, coll) })
	}
	return nil
}

// Stop closes every subscription, stops intercepting cache writes, cancels
// the remote calls still in flight and waits for their tasks to exit.
// Helpers called after Stop only touch the cache.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	e.stopped = true
	e.running = false
	unobserve := e.unobserve
	e.unobserve = nil
	kill := e.kill
	e.lifeMu.Unlock()

	kill()

	if unobserve != nil {
		unobserve()
	}

	e.subsMu.Lock()
	subs := e.subs
	e.subs = make(map[string]remote.Unsubscribe)
	e.subsMu.Unlock()

	for coll, unsub := range subs {
		unsub()
		e.logger.Printf("Unsubscribed from %s", coll)
	}

	e.pending.Wait()
	for _, coll := range schema.Tracked {
		e.setState(coll, StateIdle)
	}
}

// Wait blocks until reconciliation and every push started so far settle.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Subscriptions returns the collections with an open subscription.
func (e *Engine) Subscriptions() []string {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	out := make([]string, 0, len(e.subs))
	for _, coll := range schema.Tracked {
		if _, ok := e.subs[coll]; ok {
			out = append(out, coll)
		}
	}
	return out
}

// detach returns a context that keeps ctx's values, outlives its
// cancellation and ends when the engine stops.
func (e *Engine) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	e.lifeMu.Lock()
	life := e.life
	e.lifeMu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// spawn runs fn as a tracked background task unless the engine is stopped.
func (e *Engine) spawn(fn func()) bool {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return false
	}
	e.pending.Add(1)
	e.lifeMu.Unlock()

	go func() {
		defer e.pending.Done()
		fn()
	}()
	return true
}

// reconcile pulls, pushes and subscribes one collection.
func (e *Engine) reconcile(ctx context.Context, coll string) {
	e.setState(coll, StatePulling)
	e.pull(ctx, coll)

	e.setState(coll, StateReconciled)
	e.pushCollection(ctx, coll)

	e.subscribe(ctx, coll)
	e.setState(coll, StateIdle)
}

// pull overwrites the local collection with a non-empty remote snapshot.
func (e *Engine) pull(ctx context.Context, coll string) {
	if schema.IsSingleton(coll) {
		rec, ok := e.remote.Get(ctx, coll, schema.SingletonKey)
		if !ok {
			return
		}
		e.pulls.Add(1)
		if err := e.overwrite(coll, singletonValue(rec)); err != nil {
			e.logger.Printf("Failed to apply pulled %s: %v", coll, err)
		}
		return
	}

	records, ok := e.remote.GetAll(ctx, coll)
	if !ok {
		return
	}
	e.pulls.Add(1)
	if len(records) == 0 {
		return
	}
	if err := e.overwrite(coll, records); err != nil {
		e.logger.Printf("Failed to apply pulled %s: %v", coll, err)
		return
	}
	e.logger.Printf("Pulled %d %s from remote", len(records), coll)
}

func (e *Engine) overwrite(coll string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.WriteFrom(Origin, coll, value)
}

// singletonValue strips the document id the remote adds to fixed-key
// documents; the cache stores singletons without it.
func singletonValue(rec schema.Record) schema.Record {
	out := rec.Clone()
	delete(out, "id")
	return out
}

// pushCollection upserts every local document of coll.
func (e *Engine) pushCollection(ctx context.Context, coll string) {
	if schema.IsSingleton(coll) {
		rec, ok, err := e.cache.ReadRecord(coll)
		if err != nil {
			e.logger.Printf("Failed to read %s for push: %v", coll, err)
			return
		}
		if ok {
			e.upsert(ctx, coll, schema.SingletonKey, rec)
		}
		return
	}

	records, err := e.cache.ReadRecords(coll)
	if err != nil {
		e.logger.Printf("Failed to read %s for push: %v", coll, err)
		return
	}

	p := pool.New().WithMaxGoroutines(e.concurrency)
	for _, rec := range records {
		id := rec.ID()
		if id == "" {
			e.logger.Printf("Skipping %s record without id", coll)
			continue
		}
		p.Go(func() { e.upsert(ctx, coll, id, rec) })
	}
	p.Wait()
}

func (e *Engine) upsert(ctx context.Context, coll, id string, rec schema.Record) {
	if e.remote.Upsert(ctx, coll, id, rec) {
		e.pushes.Add(1)
	} else {
		e.failures.Add(1)
	}
}

// Resync pushes every tracked collection to the remote in the background.
func (e *Engine) Resync() {
	e.resync(nil)
}

// resync registers the full push and, for a foreign write ch, acknowledges
// it in the same critical section.
func (e *Engine) resync(ch *cache.Change) {
	ctx, release := e.detach(context.Background())

	e.mu.Lock()
	for _, coll := range schema.Tracked {
		e.inflight[coll]++
	}
	if ch != nil && ch.Seq > e.acked[ch.Key] {
		e.acked[ch.Key] = ch.Seq
	}
	e.mu.Unlock()

	started := e.spawn(func() {
		defer release()
		for _, coll := range schema.Tracked {
			e.setState(coll, StatePushing)
			e.pushCollection(ctx, coll)
			e.setState(coll, StateIdle)
			e.settle(ctx, coll)
		}
	})
	if !started {
		for _, coll := range schema.Tracked {
			e.settle(ctx, coll)
		}
		release()
	}
}

// settle marks one push of coll as finished. When it was the last one and a
// notification was deferred meanwhile, the collection is fetched again and
// evaluated like a notification.
func (e *Engine) settle(ctx context.Context, coll string) {
	e.mu.Lock()
	if e.inflight[coll] > 0 {
		e.inflight[coll]--
	}
	refetch := e.inflight[coll] == 0 && e.deferred[coll]
	if refetch {
		delete(e.deferred, coll)
	}
	e.mu.Unlock()

	if refetch {
		e.refetch(ctx, coll)
	}
}

func (e *Engine) refetch(ctx context.Context, coll string) {
	if !e.Running() {
		return
	}

	snap := remote.Snapshot{Collection: coll}
	if schema.IsSingleton(coll) {
		rec, ok := e.remote.Get(ctx, coll, schema.SingletonKey)
		if !ok {
			return
		}
		snap.DocID, snap.Doc, snap.Exists = schema.SingletonKey, rec, true
	} else {
		records, ok := e.remote.GetAll(ctx, coll)
		if !ok {
			return
		}
		snap.Records = records
	}
	e.receive(coll, snap)
}

// onLocalWrite turns foreign writes to tracked keys into a full push.
func (e *Engine) onLocalWrite(ch cache.Change) {
	if ch.Origin == Origin {
		return
	}
	if !e.Running() {
		return
	}
	e.logger.Printf("Local write to %s, pushing all collections", ch.Key)
	e.resync(&ch)
}

// subscribe opens the live subscription of coll, replacing any previous one.
func (e *Engine) subscribe(ctx context.Context, coll string) {
	docID := ""
	if schema.IsSingleton(coll) {
		docID = schema.SingletonKey
	}

	unsub := e.remote.Subscribe(ctx, coll, docID, func(snap remote.Snapshot) {
		e.receive(coll, snap)
	})

	e.subsMu.Lock()
	if !e.Running() {
		e.subsMu.Unlock()
		unsub()
		return
	}
	prev := e.subs[coll]
	e.subs[coll] = unsub
	e.subsMu.Unlock()

	if prev != nil {
		prev()
	}
}

// receive applies a remote snapshot unless it equals the local copy.
func (e *Engine) receive(coll string, snap remote.Snapshot) {
	if !e.Running() {
		return
	}

	var value any
	if schema.IsSingleton(coll) {
		if !snap.Exists {
			return
		}
		value = singletonValue(snap.Doc)
	} else {
		records := snap.Records
		if records == nil {
			records = []schema.Record{}
		}
		value = records
	}

	e.setState(coll, StateReceiving)
	defer e.setState(coll, StateIdle)

	changed, refresh, err := e.apply(coll, value)
	if errors.Is(err, errDeferred) {
		e.held.Add(1)
		return
	}
	if err != nil {
		e.logger.Printf("Failed to apply remote %s: %v", coll, err)
		return
	}
	if !changed {
		e.suppressed.Add(1)
		return
	}
	e.applied.Add(1)
	if refresh != nil {
		refresh(coll)
	}
}

// apply compares value with the cached collection and overwrites it when
// they differ. It reports whether the cache changed.
func (e *Engine) apply(coll string, value any) (bool, func(string), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[coll] > 0 {
		e.deferred[coll] = true
		return false, nil, errDeferred
	}
	// A foreign write committed but its observer has not registered the
	// resync yet.
	if e.cache.LastWrite(coll, Origin) > e.acked[coll] {
		e.deferred[coll] = true
		return false, nil, errDeferred
	}

	same, err := e.equalsLocal(coll, value)
	if err != nil {
		return false, nil, err
	}
	if same {
		return false, nil, nil
	}
	if err := e.cache.WriteFrom(Origin, coll, value); err != nil {
		return false, nil, err
	}
	return true, e.refresh, nil
}

// equalsLocal must be called with e.mu held.
func (e *Engine) equalsLocal(coll string, value any) (bool, error) {
	if schema.IsSingleton(coll) {
		local, ok, err := e.cache.ReadRecord(coll)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		theirs, err := schema.Normalize(value)
		if err != nil {
			return false, err
		}
		return SameRecords([]schema.Record{local}, []schema.Record{theirs}), nil
	}

	local, err := e.cache.ReadRecords(coll)
	if err != nil {
		return false, err
	}
	theirs, err := schema.NormalizeAll(value.([]schema.Record))
	if err != nil {
		return false, err
	}
	return SameRecords(local, theirs), nil
}

var sameOpts = cmp.Options{
	cmpopts.SortSlices(func(a, b schema.Record) bool { return a.ID() < b.ID() }),
	cmpopts.EquateEmpty(),
}

// SameRecords reports whether two normalized collections hold the same
// documents, in any order.
func SameRecords(a, b []schema.Record) bool {
	return cmp.Equal(a, b, sameOpts)
}

// Put adds or replaces the record with rec's id in a multi-document
// collection and pushes it.
func (e *Engine) Put(ctx context.Context, coll string, rec schema.Record) error {
	if !schema.IsTracked(coll) || schema.IsSingleton(coll) {
		return fmt.Errorf("put: %s is not a document collection", coll)
	}
	id := rec.ID()
	if id == "" {
		return schema.Invalid("id", "is required")
	}

	e.mu.Lock()
	records, err := e.cache.ReadRecords(coll)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if i := schema.FindByID(records, id); i >= 0 {
		records[i] = rec
	} else {
		records = append(records, rec)
	}
	err = e.cache.WriteFrom(Origin, coll, records)
	if err == nil {
		e.inflight[coll]++
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", coll, err)
	}

	e.pushOne(ctx, coll, id, rec)
	return nil
}

// Patch merges fields into the record id and pushes the merged record.
func (e *Engine) Patch(ctx context.Context, coll, id string, fields schema.Record) (schema.Record, error) {
	if !schema.IsTracked(coll) || schema.IsSingleton(coll) {
		return nil, fmt.Errorf("patch: %s is not a document collection", coll)
	}

	e.mu.Lock()
	records, err := e.cache.ReadRecords(coll)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	i := schema.FindByID(records, id)
	if i < 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", coll, id, ErrNotFound)
	}
	merged := records[i].Merge(fields)
	merged["id"] = id
	records[i] = merged
	err = e.cache.WriteFrom(Origin, coll, records)
	if err == nil {
		e.inflight[coll]++
	}
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", coll, err)
	}

	e.pushOne(ctx, coll, id, merged)
	return merged, nil
}

// PutSingleton replaces a fixed-key collection and pushes it.
func (e *Engine) PutSingleton(ctx context.Context, coll string, rec schema.Record) error {
	if !schema.IsSingleton(coll) {
		return fmt.Errorf("put: %s is not a singleton collection", coll)
	}

	e.mu.Lock()
	err := e.cache.WriteFrom(Origin, coll, rec)
	if err == nil {
		e.inflight[coll]++
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", coll, err)
	}

	e.pushOne(ctx, coll, schema.SingletonKey, rec)
	return nil
}

// Remove deletes the record id locally and issues one remote delete.
func (e *Engine) Remove(ctx context.Context, coll, id string) error {
	if !schema.IsTracked(coll) || schema.IsSingleton(coll) {
		return fmt.Errorf("remove: %s is not a document collection", coll)
	}

	e.mu.Lock()
	records, err := e.cache.ReadRecords(coll)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	i := schema.FindByID(records, id)
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%s %s: %w", coll, id, ErrNotFound)
	}
	records = append(records[:i], records[i+1:]...)
	err = e.cache.WriteFrom(Origin, coll, records)
	if err == nil {
		e.inflight[coll]++
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", coll, err)
	}

	ctx, release := e.detach(ctx)
	started := e.ordered(ctx, coll+"/"+id, func() {
		defer release()
		e.setState(coll, StatePushing)
		if e.remote.Delete(ctx, coll, id) {
			e.deletes.Add(1)
		} else {
			e.failures.Add(1)
		}
		e.setState(coll, StateIdle)
		e.settle(ctx, coll)
	})
	if !started {
		e.settle(ctx, coll)
		release()
	}
	return nil
}

// pushOne upserts one document in the background and settles the push the
// caller registered in inflight. The push outlives ctx's cancellation but not
// Stop.
func (e *Engine) pushOne(ctx context.Context, coll, id string, rec schema.Record) {
	ctx, release := e.detach(ctx)
	rec = rec.Clone()
	started := e.ordered(ctx, coll+"/"+id, func() {
		defer release()
		e.setState(coll, StatePushing)
		e.upsert(ctx, coll, id, rec)
		e.setState(coll, StateIdle)
		e.settle(ctx, coll)
	})
	if !started {
		e.settle(ctx, coll)
		release()
	}
}

// ordered spawns fn after every earlier task with the same key finished, so
// that pushes to one document reach the remote in call order. Once ctx is
// done fn no longer waits for its predecessor.
func (e *Engine) ordered(ctx context.Context, key string, fn func()) bool {
	done := make(chan struct{})
	e.chainMu.Lock()
	prev := e.chains[key]
	e.chains[key] = done
	e.chainMu.Unlock()

	finish := func() {
		close(done)
		e.chainMu.Lock()
		if e.chains[key] == done {
			delete(e.chains, key)
		}
		e.chainMu.Unlock()
	}

	started := e.spawn(func() {
		defer finish()
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
			}
		}
		fn()
	})
	if !started {
		finish()
	}
	return started
}
