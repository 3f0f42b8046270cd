package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
)

// setupTestEngine returns an engine over a fresh cache and in-memory remote.
func setupTestEngine(t *testing.T) (*Engine, *cache.Cache, *remote.Memory) {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), logger)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	mem := remote.NewMemory()
	e := New(c, remote.NewAdapter(mem, 0, logger), &Config{Logger: logger})

	t.Cleanup(func() {
		e.Stop()
		_ = c.Close()
	})
	return e, c, mem
}

// startAndSettle starts the engine and waits for reconciliation.
func startAndSettle(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background(), "user-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.Wait()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readRecords(t *testing.T, c *cache.Cache, key string) []schema.Record {
	t.Helper()
	records, err := c.ReadRecords(key)
	if err != nil {
		t.Fatalf("ReadRecords(%s) failed: %v", key, err)
	}
	return records
}

func remoteRecords(t *testing.T, mem *remote.Memory, coll string) []schema.Record {
	t.Helper()
	records, err := mem.GetAll(context.Background(), coll)
	if err != nil {
		t.Fatalf("GetAll(%s) failed: %v", coll, err)
	}
	normalized, err := schema.NormalizeAll(records)
	if err != nil {
		t.Fatalf("NormalizeAll failed: %v", err)
	}
	return normalized
}

func TestStart_RequiresSession(t *testing.T) {
	e, _, mem := setupTestEngine(t)

	if err := e.Start(context.Background(), ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Start with empty session = %v, want ErrNoSession", err)
	}
	e.Wait()
	if ops := mem.Ops(); len(ops) != 0 {
		t.Errorf("remote touched without a session: %v", ops)
	}
}

func TestStart_LocalOnlyStudentPushedOnce(t *testing.T) {
	e, c, mem := setupTestEngine(t)

	local := []schema.Record{{"id": "STU_1", "status": "Active"}}
	if err := c.Write(schema.CollectionStudents, local); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	startAndSettle(t, e)

	if n := mem.Count("upsert", schema.CollectionStudents, "STU_1"); n != 1 {
		t.Errorf("upserts of STU_1 = %d, want 1", n)
	}
	if diff := cmp.Diff(local, readRecords(t, c, schema.CollectionStudents)); diff != "" {
		t.Errorf("local students changed (-want +got):\n%s", diff)
	}
	if got := remoteRecords(t, mem, schema.CollectionStudents); !SameRecords(local, got) {
		t.Errorf("remote students = %v", got)
	}
}

func TestStart_RemoteWins(t *testing.T) {
	e, c, mem := setupTestEngine(t)

	mem.Seed(schema.CollectionStudents,
		schema.Record{"id": "STU_1", "name": "Amit"},
		schema.Record{"id": "STU_2", "name": "Priya"},
	)
	mem.Seed(schema.CollectionSettings, schema.Record{"id": schema.SingletonKey, "totalSeats": 60, "monthlyFee": 1200})

	startAndSettle(t, e)

	want := remoteRecords(t, mem, schema.CollectionStudents)
	if got := readRecords(t, c, schema.CollectionStudents); !SameRecords(want, got) {
		t.Errorf("local students = %v, want %v", got, want)
	}

	settings, ok, err := c.ReadRecord(schema.CollectionSettings)
	if err != nil || !ok {
		t.Fatalf("ReadRecord(settings) = (%v, %v)", ok, err)
	}
	wantSettings := schema.Record{"totalSeats": float64(60), "monthlyFee": float64(1200)}
	if diff := cmp.Diff(wantSettings, settings); diff != "" {
		t.Errorf("local settings mismatch (-want +got):\n%s", diff)
	}

	for _, coll := range schema.Tracked {
		eventually(t, "idle "+coll, func() bool { return e.State(coll) == StateIdle })
	}
	if got := e.Subscriptions(); len(got) != len(schema.Tracked) {
		t.Errorf("Subscriptions = %v", got)
	}
}

func TestStart_RemoteEmptyKeepsLocal(t *testing.T) {
	e, c, mem := setupTestEngine(t)

	local := []schema.Record{{"id": "PAY_1", "amount": float64(1500)}, {"id": "PAY_2", "amount": float64(900)}}
	_ = c.Write(schema.CollectionPayments, local)
	_ = c.Write(schema.CollectionShifts, schema.DefaultShifts())

	startAndSettle(t, e)

	if got := remoteRecords(t, mem, schema.CollectionPayments); !SameRecords(local, got) {
		t.Errorf("remote payments = %v, want %v", got, local)
	}
	if n := mem.Count("upsert", schema.CollectionShifts, schema.SingletonKey); n != 1 {
		t.Errorf("shifts upserts = %d, want 1", n)
	}
}

func TestPut_AddPaymentPushesOnce(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	startAndSettle(t, e)
	mem.ResetOps()

	pay := schema.Record{"id": "PAY_9", "studentId": "STU_1", "amount": float64(1500), "status": "Unpaid"}
	if err := e.Put(context.Background(), schema.CollectionPayments, pay); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The cache is updated before Put returns.
	if got := readRecords(t, c, schema.CollectionPayments); !SameRecords([]schema.Record{pay}, got) {
		t.Errorf("local payments = %v", got)
	}

	e.Wait()
	if n := mem.Count("upsert", schema.CollectionPayments, "PAY_9"); n != 1 {
		t.Errorf("upserts of PAY_9 = %d, want 1", n)
	}
	if n := mem.Count("upsert", "", ""); n != 1 {
		t.Errorf("total upserts = %d, want 1", n)
	}
}

func TestRemove_SingleTargetedDelete(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	_ = c.Write(schema.CollectionStudents, []schema.Record{{"id": "STU_1"}, {"id": "STU_2"}})
	startAndSettle(t, e)
	mem.ResetOps()

	if err := e.Remove(context.Background(), schema.CollectionStudents, "STU_1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := readRecords(t, c, schema.CollectionStudents); len(got) != 1 || got[0].ID() != "STU_2" {
		t.Errorf("local students after remove = %v", got)
	}

	e.Wait()
	if n := mem.Count("delete", schema.CollectionStudents, "STU_1"); n != 1 {
		t.Errorf("deletes of STU_1 = %d, want 1", n)
	}
	if n := mem.Count("upsert", "", ""); n != 0 {
		t.Errorf("remove triggered %d upserts, want none", n)
	}
}

func TestHelpers_NotFound(t *testing.T) {
	e, _, _ := setupTestEngine(t)
	ctx := context.Background()

	if err := e.Remove(ctx, schema.CollectionStudents, "STU_X"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove = %v, want ErrNotFound", err)
	}
	if _, err := e.Patch(ctx, schema.CollectionPayments, "PAY_X", schema.Record{"status": "Paid"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Patch = %v, want ErrNotFound", err)
	}
	if err := e.Put(ctx, schema.CollectionStudents, schema.Record{"name": "no id"}); !errors.Is(err, schema.ErrValidation) {
		t.Errorf("Put without id = %v, want ErrValidation", err)
	}
	if err := e.Put(ctx, schema.CollectionSettings, schema.Record{"id": "x"}); err == nil {
		t.Error("Put into a singleton collection succeeded")
	}
}

func TestPatch_MergesFields(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	_ = c.Write(schema.CollectionStudents, []schema.Record{{"id": "STU_1", "name": "Amit", "status": "Active"}})
	startAndSettle(t, e)

	merged, err := e.Patch(context.Background(), schema.CollectionStudents, "STU_1", schema.Record{"status": "Expired"})
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	want := schema.Record{"id": "STU_1", "name": "Amit", "status": "Expired"}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Errorf("merged record mismatch (-want +got):\n%s", diff)
	}

	e.Wait()
	rec, ok, _ := mem.Get(context.Background(), schema.CollectionStudents, "STU_1")
	if !ok || rec.String("status") != "Expired" || rec.String("name") != "Amit" {
		t.Errorf("remote record = %v", rec)
	}
}

func TestNotification_IdenticalSnapshotSuppressed(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	_ = c.Write(schema.CollectionStudents, []schema.Record{{"id": "STU_1", "name": "Amit"}, {"id": "STU_2", "name": "Priya"}})

	var mu gosync.Mutex
	refreshed := 0
	e.SetRefresh(func(string) {
		mu.Lock()
		refreshed++
		mu.Unlock()
	})

	startAndSettle(t, e)
	before := e.Stats()

	// Rewriting a document with identical content still fires the feed.
	if err := mem.Upsert(context.Background(), schema.CollectionStudents, "STU_2", schema.Record{"name": "Priya"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	eventually(t, "suppressed notification", func() bool {
		return e.Stats().Suppressed > before.Suppressed
	})

	if got := e.Stats().Applied; got != before.Applied {
		t.Errorf("Applied went from %d to %d", before.Applied, got)
	}
	mu.Lock()
	defer mu.Unlock()
	if refreshed != 0 {
		t.Errorf("refresh called %d times for identical snapshot", refreshed)
	}
}

func TestNotification_RemoteChangeApplied(t *testing.T) {
	e, c, mem := setupTestEngine(t)

	refreshes := make(chan string, 10)
	e.SetRefresh(func(coll string) { refreshes <- coll })
	startAndSettle(t, e)
	mem.ResetOps()

	if err := mem.Upsert(context.Background(), schema.CollectionStudents, "STU_7", schema.Record{"name": "Ravi"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	select {
	case coll := <-refreshes:
		if coll != schema.CollectionStudents {
			t.Errorf("refresh for %s, want students", coll)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("refresh not called")
	}

	got := readRecords(t, c, schema.CollectionStudents)
	if len(got) != 1 || got[0].ID() != "STU_7" || got[0].String("name") != "Ravi" {
		t.Errorf("local students = %v", got)
	}

	// Applying a remote snapshot does not echo it back.
	e.Wait()
	if n := mem.Count("upsert", "", ""); n != 1 {
		t.Errorf("upserts after notification = %d, want only the external one", n)
	}
}

func TestNotification_SingletonIgnoresDocumentID(t *testing.T) {
	e, c, _ := setupTestEngine(t)
	settings := schema.Record{"totalSeats": float64(50), "monthlyFee": float64(1500)}
	_ = c.Write(schema.CollectionSettings, settings)
	startAndSettle(t, e)

	// The pushed document carries "id" remotely; the local copy must not.
	rec, ok, _ := c.ReadRecord(schema.CollectionSettings)
	if !ok {
		t.Fatal("settings missing locally")
	}
	if diff := cmp.Diff(settings, rec); diff != "" {
		t.Errorf("local settings changed (-want +got):\n%s", diff)
	}
	if e.Stats().Applied != 0 {
		t.Errorf("Applied = %d, want 0", e.Stats().Applied)
	}
}

func TestReceive_Idempotent(t *testing.T) {
	e, c, _ := setupTestEngine(t)
	startAndSettle(t, e)

	calls := 0
	e.SetRefresh(func(string) { calls++ })

	snap := remote.Snapshot{
		Collection: schema.CollectionPayments,
		Records: []schema.Record{
			{"id": "PAY_2", "amount": 900},
			{"id": "PAY_1", "amount": 1500},
		},
	}
	e.receive(schema.CollectionPayments, snap)
	first := readRecords(t, c, schema.CollectionPayments)

	// Same documents, different order.
	snap.Records = []schema.Record{snap.Records[1], snap.Records[0]}
	e.receive(schema.CollectionPayments, snap)
	second := readRecords(t, c, schema.CollectionPayments)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second application changed the cache (-first +second):\n%s", diff)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestLocalWrite_TriggersFullPush(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	startAndSettle(t, e)
	mem.ResetOps()

	students := []schema.Record{{"id": "STU_1", "name": "A"}, {"id": "STU_2", "name": "B"}}
	if err := c.Write(schema.CollectionStudents, students); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	e.Wait()

	for _, s := range students {
		if n := mem.Count("upsert", schema.CollectionStudents, s.ID()); n != 1 {
			t.Errorf("upserts of %s = %d, want 1", s.ID(), n)
		}
	}
	eventually(t, "local and remote to converge", func() bool {
		return SameRecords(readRecords(t, c, schema.CollectionStudents), remoteRecords(t, mem, schema.CollectionStudents))
	})
}

func TestLocalWrite_IgnoredWhenStopped(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	startAndSettle(t, e)
	e.Stop()
	mem.ResetOps()

	_ = c.Write(schema.CollectionStudents, []schema.Record{{"id": "STU_1"}})
	e.Wait()
	if ops := mem.Ops(); len(ops) != 0 {
		t.Errorf("stopped engine touched the remote: %v", ops)
	}
}

func TestEventualConsistency(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	startAndSettle(t, e)
	ctx := context.Background()

	steps := []func() error{
		func() error { return e.Put(ctx, schema.CollectionStudents, schema.Record{"id": "STU_1", "name": "A"}) },
		func() error { return e.Put(ctx, schema.CollectionStudents, schema.Record{"id": "STU_2", "name": "B"}) },
		func() error {
			_, err := e.Patch(ctx, schema.CollectionStudents, "STU_1", schema.Record{"status": "Inactive"})
			return err
		},
		func() error { return e.Remove(ctx, schema.CollectionStudents, "STU_2") },
		func() error { return e.Put(ctx, schema.CollectionStudents, schema.Record{"id": "STU_3", "name": "C"}) },
		func() error { return e.Put(ctx, schema.CollectionStudents, schema.Record{"id": "STU_3", "name": "C2"}) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	e.Wait()
	eventually(t, "local and remote to converge", func() bool {
		return SameRecords(readRecords(t, c, schema.CollectionStudents), remoteRecords(t, mem, schema.CollectionStudents))
	})

	got := readRecords(t, c, schema.CollectionStudents)
	want := []schema.Record{
		{"id": "STU_1", "name": "A", "status": "Inactive"},
		{"id": "STU_3", "name": "C2"},
	}
	if !SameRecords(want, got) {
		t.Errorf("final students = %v, want %v", got, want)
	}
}

func TestNotification_DeferredWhilePushing(t *testing.T) {
	e, c, _ := setupTestEngine(t)
	startAndSettle(t, e)

	// A push is registered but not yet settled.
	e.mu.Lock()
	e.inflight[schema.CollectionStudents]++
	e.mu.Unlock()

	e.receive(schema.CollectionStudents, remote.Snapshot{
		Collection: schema.CollectionStudents,
		Records:    []schema.Record{{"id": "STU_stale"}},
	})
	if got := readRecords(t, c, schema.CollectionStudents); len(got) != 0 {
		t.Fatalf("notification applied while a push was in flight: %v", got)
	}
	if e.Stats().Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", e.Stats().Deferred)
	}

	// Settling re-reads the remote, which is still empty.
	e.settle(context.Background(), schema.CollectionStudents)
	if got := readRecords(t, c, schema.CollectionStudents); len(got) != 0 {
		t.Errorf("local students after settle = %v", got)
	}
}

func TestRemoteFailure_DegradesToLocal(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	mem.SetFailure(errors.New("network down"))
	startAndSettle(t, e)

	ctx := context.Background()
	if err := e.Put(ctx, schema.CollectionStudents, schema.Record{"id": "STU_1"}); err != nil {
		t.Fatalf("Put failed while offline: %v", err)
	}
	e.Wait()
	if got := readRecords(t, c, schema.CollectionStudents); len(got) != 1 {
		t.Errorf("local students = %v", got)
	}
	if e.Stats().Failures == 0 {
		t.Error("failures not counted")
	}

	mem.SetFailure(nil)
	if err := e.Put(ctx, schema.CollectionStudents, schema.Record{"id": "STU_2"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	e.Wait()
	if _, ok, _ := mem.Get(ctx, schema.CollectionStudents, "STU_2"); !ok {
		t.Error("STU_2 not pushed after recovery")
	}
}

func TestStop_ClosesSubscriptions(t *testing.T) {
	e, c, mem := setupTestEngine(t)
	startAndSettle(t, e)

	if n := mem.Subscribers(); n != len(schema.Tracked) {
		t.Fatalf("Subscribers = %d, want %d", n, len(schema.Tracked))
	}

	e.Stop()
	if n := mem.Subscribers(); n != 0 {
		t.Errorf("Subscribers after Stop = %d", n)
	}
	if got := e.Subscriptions(); len(got) != 0 {
		t.Errorf("Subscriptions after Stop = %v", got)
	}

	_ = mem.Upsert(context.Background(), schema.CollectionStudents, "STU_9", schema.Record{"name": "late"})
	time.Sleep(50 * time.Millisecond)
	if got := readRecords(t, c, schema.CollectionStudents); len(got) != 0 {
		t.Errorf("stopped engine applied a notification: %v", got)
	}
}

func TestStart_TwiceDoesNotStackSubscriptions(t *testing.T) {
	e, _, mem := setupTestEngine(t)
	startAndSettle(t, e)
	startAndSettle(t, e)

	if n := mem.Subscribers(); n != len(schema.Tracked) {
		t.Errorf("Subscribers = %d, want %d", n, len(schema.Tracked))
	}
}

func TestSameRecords(t *testing.T) {
	tests := []struct {
		name string
		a, b []schema.Record
		want bool
	}{
		{"both empty", nil, []schema.Record{}, true},
		{"order ignored", []schema.Record{{"id": "a"}, {"id": "b"}}, []schema.Record{{"id": "b"}, {"id": "a"}}, true},
		{"field differs", []schema.Record{{"id": "a", "n": 1.0}}, []schema.Record{{"id": "a", "n": 2.0}}, false},
		{"extra record", []schema.Record{{"id": "a"}}, []schema.Record{{"id": "a"}, {"id": "b"}}, false},
		{"nested", []schema.Record{{"id": "a", "s": map[string]any{"k": "v"}}}, []schema.Record{{"id": "a", "s": map[string]any{"k": "v"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameRecords(tt.a, tt.b); got != tt.want {
				t.Errorf("SameRecords = %v, want %v", got, tt.want)
			}
		})
	}
}
