// Package docstore is a collection-oriented document database used as the
// remote store that falcon synchronizes with.
//
// Documents are JSON objects addressed by (collection, id). Upserts merge at
// top-level field granularity: fields absent from the update keep their
// stored values. The database is either an embedded SQLite file or a Turso
// (libSQL) database reached over the network:
//
//	db, err := docstore.Open("data/remote.db", nil)                     // SQLite file
//	db, err := docstore.Open("libsql://falcon.turso.io?authToken=...", nil) // Turso
//
// Changes are announced to watchers registered with Watch. Writes made
// through this DB notify immediately; writes made by other processes are
// picked up by the poller started with StartPolling.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/falconlib/falcon/internal/schema"
)

// DB is an open document database.
type DB struct {
	conn   *sql.DB
	dsn    string
	remote bool
	logger *log.Logger

	watchMu  sync.Mutex
	watchers map[int]watcher
	nextID   int

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

type watcher struct {
	collection string
	docID      string
	fn         func()
}

// IsRemoteDSN reports whether dsn names a libSQL server rather than a file.
func IsRemoteDSN(dsn string) bool {
	for _, prefix := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(dsn, prefix) {
			return true
		}
	}
	return false
}

// Open opens the document database named by dsn and creates its schema.
//
// The caller MUST call Close() when done.
func Open(dsn string, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[docstore] ", log.LstdFlags)
	}

	remote := IsRemoteDSN(dsn)

	var (
		conn *sql.DB
		err  error
	)
	if remote {
		conn, err = sql.Open("libsql", dsn)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(dsn), 0755); mkErr != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", mkErr)
		}
		conn, err = sql.Open("sqlite3", "file:"+dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping document store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:     conn,
		dsn:      dsn,
		remote:   remote,
		logger:   logger,
		watchers: make(map[int]watcher),
	}

	if !remote {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	if err := db.InitSchemaContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Close stops polling and closes the connection.
func (db *DB) Close() error {
	db.StopPolling()

	if db.conn == nil {
		return nil
	}
	if !db.remote {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
		}
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close document store: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchemaContext creates the documents table if needed. Idempotent.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Upsert inserts the document or merges its top-level fields into the stored
// one. The stored document always carries its id in the "id" field.
func (db *DB) Upsert(ctx context.Context, collection, id string, rec schema.Record) error {
	if collection == "" || id == "" {
		return fmt.Errorf("collection and id are required")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	if existing == "" {
		existing = "{}"
	}

	merged, err := mergeFields([]byte(existing), rec.Merge(schema.Record{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to merge %s/%s: %w", collection, id, err)
	}

	const query = `
	INSERT INTO documents (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, collection, id, string(merged), now()); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.notify(collection, id)
	return nil
}

// mergeFields writes every top-level field of patch into doc.
func mergeFields(doc []byte, patch schema.Record) ([]byte, error) {
	out := doc
	for field, value := range patch {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		out, err = sjson.SetRawBytes(out, escapePath(field), raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
	}
	return out, nil
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)

// escapePath makes a field name safe to use as a gjson/sjson path.
func escapePath(field string) string {
	return pathEscaper.Replace(field)
}

// Delete removes a document. Deleting an absent document is not an error.
func (db *DB) Delete(ctx context.Context, collection, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notify(collection, id)
	}
	return nil
}

// Get returns one document and whether it exists.
func (db *DB) Get(ctx context.Context, collection, id string) (schema.Record, bool, error) {
	var data string
	err := db.conn.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}

	var rec schema.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return rec, true, nil
}

// GetAll returns every document of a collection ordered by id.
func (db *DB) GetAll(ctx context.Context, collection string) ([]schema.Record, error) {
	return db.query(ctx, collection, func(string) bool { return true })
}

// FindBy returns the documents whose top-level field equals value.
func (db *DB) FindBy(ctx context.Context, collection, field, value string) ([]schema.Record, error) {
	path := escapePath(field)
	return db.query(ctx, collection, func(data string) bool {
		res := gjson.Get(data, path)
		return res.Exists() && res.String() == value
	})
}

func (db *DB) query(ctx context.Context, collection string, keep func(data string) bool) ([]schema.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT data FROM documents WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	records := []schema.Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if !keep(data) {
			continue
		}
		var rec schema.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode document in %s: %w", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", collection, err)
	}
	return records, nil
}

// Count returns the number of documents in a collection.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
