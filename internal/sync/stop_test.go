package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/falconlib/falcon/internal/auth"
	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
)

// hangingStore never answers upserts to one collection until the call's
// context is cancelled.
type hangingStore struct {
	*remote.Memory
	coll    string
	entered atomic.Int32
}

func (s *hangingStore) Upsert(ctx context.Context, collection, id string, rec schema.Record) error {
	if collection != s.coll {
		return s.Memory.Upsert(ctx, collection, id, rec)
	}
	s.entered.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func setupHangingEngine(t *testing.T) (*Engine, *cache.Cache, *hangingStore) {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), logger)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	store := &hangingStore{Memory: remote.NewMemory(), coll: schema.CollectionPayments}
	e := New(c, remote.NewAdapter(store, 0, logger), &Config{Logger: logger})

	t.Cleanup(func() {
		e.Stop()
		_ = c.Close()
	})
	return e, c, store
}

// stopWithin runs fn and fails the test when it does not return in time.
func stopWithin(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s still blocked after 2s on a hung remote push", what)
	}
}

func TestStop_CancelsHungPush(t *testing.T) {
	e, c, store := setupHangingEngine(t)
	startAndSettle(t, e)

	// The second push to the same document is chained behind the hung one.
	for _, amount := range []int{1500, 1600} {
		if err := e.Put(context.Background(), schema.CollectionPayments, schema.Record{"id": "PAY_9", "amount": amount}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	eventually(t, "push to reach the remote", func() bool { return store.entered.Load() >= 1 })

	stopWithin(t, "Stop", e.Stop)

	if got := e.Subscriptions(); len(got) != 0 {
		t.Errorf("Subscriptions after Stop = %v", got)
	}
	if f := e.Stats().Failures; f < 2 {
		t.Errorf("Failures = %d, want both cancelled pushes counted", f)
	}
	if got := readRecords(t, c, schema.CollectionPayments); len(got) != 1 {
		t.Errorf("local payments = %v, want PAY_9 kept", got)
	}
}

func TestStop_ThenStartPushesAgain(t *testing.T) {
	e, _, store := setupHangingEngine(t)
	startAndSettle(t, e)
	stopWithin(t, "Stop", e.Stop)

	startAndSettle(t, e)
	if err := e.Put(context.Background(), schema.CollectionStudents, schema.Record{"id": "STU_1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	e.Wait()
	if n := store.Count("upsert", schema.CollectionStudents, "STU_1"); n != 1 {
		t.Errorf("upserts of STU_1 after restart = %d, want 1", n)
	}
}

func TestLogout_ReturnsWithHungPush(t *testing.T) {
	e, c, store := setupHangingEngine(t)

	g := auth.NewGate(auth.NewRemoteDirectory(store), c, nil, nil)
	g.SetStopper(e)
	if err := c.Write(cache.KeyUserID, "user-1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := c.Write(cache.KeyCurrentUser, schema.Record{"id": "user-1", "email": "a@b.co"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	startAndSettle(t, e)
	if err := e.Put(context.Background(), schema.CollectionPayments, schema.Record{"id": "PAY_9"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	eventually(t, "push to reach the remote", func() bool { return store.entered.Load() >= 1 })

	stopWithin(t, "Logout", func() {
		if err := g.Logout(); err != nil {
			t.Errorf("Logout failed: %v", err)
		}
	})
	if _, err := g.Current(); !errors.Is(err, auth.ErrNoSession) {
		t.Errorf("Current after Logout = %v, want ErrNoSession", err)
	}
}

func TestNotification_HeldUntilForeignWriteResynced(t *testing.T) {
	e, c, mem := setupTestEngine(t)

	// Registered before the engine's observer, so it runs in the window
	// between the commit and the resync the engine schedules for it.
	var raced atomic.Bool
	cancel := c.Observe(func(ch cache.Change) {
		if ch.Origin != "" || ch.Key != schema.CollectionStudents || raced.Swap(true) {
			return
		}
		e.receive(schema.CollectionStudents, remote.Snapshot{
			Collection: schema.CollectionStudents,
			Records:    []schema.Record{},
		})
	})
	defer cancel()

	startAndSettle(t, e)
	if err := c.Write(schema.CollectionStudents, []schema.Record{{"id": "STU_new", "name": "Fresh"}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	e.Wait()

	if !raced.Load() {
		t.Fatal("stale notification was not delivered")
	}
	if e.Stats().Deferred < 1 {
		t.Errorf("Deferred = %d, want the stale snapshot held back", e.Stats().Deferred)
	}
	if got := readRecords(t, c, schema.CollectionStudents); len(got) != 1 || got[0].ID() != "STU_new" {
		t.Errorf("local students = %v, want the fresh write kept", got)
	}
	if n := mem.Count("upsert", schema.CollectionStudents, "STU_new"); n != 1 {
		t.Errorf("upserts of STU_new = %d, want 1", n)
	}
}
