// Package library implements the seat-management operations (students,
// payments, settings, import/export) on top of the local cache. Every
// change goes through the sync engine so that it reaches the remote store.
package library

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/schema"
	"github.com/falconlib/falcon/internal/sync"
)

// ErrNotFound is returned for unknown student or payment ids.
var ErrNotFound = sync.ErrNotFound

// Library is the domain API used by the CLI and the daemon.
type Library struct {
	cache  *cache.Cache
	engine *sync.Engine
	logger *log.Logger
	now    func() time.Time
}

// New returns a library over c whose changes are pushed through engine.
func New(c *cache.Cache, engine *sync.Engine, logger *log.Logger) *Library {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Library{cache: c, engine: engine, logger: logger, now: time.Now}
}

// EnsureDefaults writes the initial settings, shifts and empty collections
// for every tracked key that is missing. It returns the keys it created.
func (l *Library) EnsureDefaults() ([]string, error) {
	now := l.now()
	defaults := []struct {
		key   string
		value any
	}{
		{schema.CollectionSettings, schema.DefaultSettings(now)},
		{schema.CollectionShifts, schema.DefaultShifts()},
		{schema.CollectionStudents, []schema.Record{}},
		{schema.CollectionPayments, []schema.Record{}},
	}

	var created []string
	for _, d := range defaults {
		ok, err := l.cache.Has(d.key)
		if err != nil {
			return created, err
		}
		if ok {
			continue
		}
		if err := l.cache.Write(d.key, d.value); err != nil {
			return created, fmt.Errorf("failed to initialize %s: %w", d.key, err)
		}
		created = append(created, d.key)
	}
	if len(created) > 0 {
		l.logger.Printf("Initialized %v", created)
	}
	return created, nil
}

func (l *Library) records(key string) ([]schema.Record, error) {
	records, err := l.cache.ReadRecords(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return records, nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
