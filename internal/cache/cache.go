// Package cache implements the local cache: a synchronous key-value store of
// named, JSON-serialized entries backed by an embedded SQLite file.
//
// The cache is the system of record for the application. Every write replaces
// a whole entry. Writes to tracked collections (see schema.Tracked) notify
// registered observers after the entry has been committed and before Write
// returns, which is how the sync engine learns about local changes.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/falconlib/falcon/internal/schema"
)

// Session keys. They are stored like any other entry but never tracked.
const (
	KeyUserID      = "userId"
	KeyCurrentUser = "currentUser"
	KeySessionTime = "sessionTime"
)

// ErrCorrupt is returned when a stored entry cannot be decoded. Callers must
// not continue with a malformed snapshot.
var ErrCorrupt = errors.New("corrupt cache entry")

// Change describes a committed write or delete of a tracked entry.
type Change struct {
	Key string
	// Origin identifies the writer; empty for ordinary callers.
	Origin string
	// Deleted is true when the entry was removed.
	Deleted bool
	// Seq orders the committed writes of one cache.
	Seq uint64
}


// Observer is notified synchronously after a tracked entry changes.
type Observer func(Change)

// Cache is the local cache. It is safe for concurrent use; every operation
// is serialized.
type Cache struct {
	conn *sql.DB
	path string

	mu   sync.Mutex
	seq  uint64
	last map[string]map[string]uint64 // key -> origin -> seq, guarded by mu

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int

	logger *log.Logger
}

// Open opens (creating if needed) the cache database at path.
//
// The caller MUST call Close() when done.
func Open(path string, logger *log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	// One connection: every operation is serialized anyway and this keeps
	// reads after writes consistent without relying on WAL snapshots.
	conn.SetMaxOpenConns(1)

	c := &Cache{
		conn:      conn,
		path:      path,
		observers: make(map[int]Observer),
		last:      make(map[string]map[string]uint64),
		logger:    logger,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := c.initSchema(context.Background()); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Cache) initSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := c.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (c *Cache) Path() string {
	return c.path
}

// Close checkpoints the WAL and closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		c.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	c.conn = nil
	return nil
}

// Observe registers fn for change notifications and returns a function that
// removes it.
func (c *Cache) Observe(fn Observer) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Cache) notify(ch Change) {
	if !schema.IsTracked(ch.Key) {
		return
	}

	c.obsMu.Lock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// Write serializes value and stores it under key, replacing any previous
// entry. Serialization and storage errors are returned; observers are only
// notified once the entry is committed.
func (c *Cache) Write(key string, value any) error {
	return c.WriteFrom("", key, value)
}

// WriteFrom is Write with an explicit origin passed on to observers.
func (c *Cache) WriteFrom(origin, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", key, err)
	}
	return c.WriteRaw(origin, key, string(data))
}

// WriteRaw stores already-serialized JSON text under key.
func (c *Cache) WriteRaw(origin, key, text string) error {
	if !json.Valid([]byte(text)) {
		return fmt.Errorf("failed to store %s: value is not valid JSON", key)
	}

	c.mu.Lock()
	err := c.put(key, text)
	var seq uint64
	if err == nil {
		seq = c.record(key, origin)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.notify(Change{Key: key, Origin: origin, Seq: seq})
	return nil
}

func (c *Cache) put(key, text string) error {
	if c.conn == nil {
		return fmt.Errorf("cache is closed")
	}
	const query = `
	INSERT INTO entries (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := c.conn.Exec(query, key, text, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// ReadRaw returns the serialized entry stored under key.
func (c *Cache) ReadRaw(key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", false, fmt.Errorf("cache is closed")
	}

	var text string
	err := c.conn.QueryRow(`SELECT value FROM entries WHERE key = ?`, key).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return text, true, nil
}

// Read decodes the entry under key into out. It reports false when the key
// is absent and wraps ErrCorrupt when the stored text cannot be decoded.
func (c *Cache) Read(key string, out any) (bool, error) {
	text, ok, err := c.ReadRaw(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

// ReadRecords reads a multi-document collection. An absent key reads as an
// empty collection.
func (c *Cache) ReadRecords(key string) ([]schema.Record, error) {
	var records []schema.Record
	if _, err := c.Read(key, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []schema.Record{}
	}
	return records, nil
}

// ReadRecord reads a singleton entry.
func (c *Cache) ReadRecord(key string) (schema.Record, bool, error) {
	var rec schema.Record
	ok, err := c.Read(key, &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	return rec, rec != nil, nil
}

// Has reports whether key is present.
func (c *Cache) Has(key string) (bool, error) {
	_, ok, err := c.ReadRaw(key)
	return ok, err
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(key string) error {
	return c.DeleteFrom("", key)
}

// DeleteFrom is Delete with an explicit origin passed on to observers.
func (c *Cache) DeleteFrom(origin, key string) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("cache is closed")
	}
	res, err := c.conn.Exec(`DELETE FROM entries WHERE key = ?`, key)
	var n int64
	var seq uint64
	if err == nil {
		if n, _ = res.RowsAffected(); n > 0 {
			seq = c.record(key, origin)
		}
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	if n > 0 {
		c.notify(Change{Key: key, Origin: origin, Deleted: true, Seq: seq})
	}
	return nil
}

// record must be called with c.mu held.
func (c *Cache) record(key, origin string) uint64 {
	c.seq++
	byOrigin := c.last[key]
	if byOrigin == nil {
		byOrigin = make(map[string]uint64)
		c.last[key] = byOrigin
	}
	byOrigin[origin] = c.seq
	return c.seq
}

// LastWrite returns the sequence number of the latest write or delete of key
// by any origin other than except, or 0 when there was none. The number is
// visible as soon as the write commits, before observers run.
func (c *Cache) LastWrite(key, except string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var latest uint64
	for origin, seq := range c.last[key] {
		if origin != except && seq > latest {
			latest = seq
		}
	}
	return latest
}

// Keys lists every stored key in sorted order.
func (c *Cache) Keys() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("cache is closed")
	}

	rows, err := c.conn.Query(`SELECT key FROM entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// Size returns the total length of stored keys and values in bytes.
func (c *Cache) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return 0, fmt.Errorf("cache is closed")
	}

	var size sql.NullInt64
	err := c.conn.QueryRow(`SELECT SUM(LENGTH(key) + LENGTH(value)) FROM entries`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to compute cache size: %w", err)
	}
	return size.Int64, nil
}
