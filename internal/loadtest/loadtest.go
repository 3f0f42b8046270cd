// Package loadtest simulates several devices editing one library at the
// same time. Each device has its own cache file and sync engine, and all of
// them share a single remote store.
//
// The run measures how long a local edit takes, how long until the edit is
// visible in the remote store, and how long until every device's cache holds
// every edit.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/library"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
	fsync "github.com/falconlib/falcon/internal/sync"
)

// Device is one simulated client.
type Device struct {
	Name    string
	Cache   *cache.Cache
	Engine  *fsync.Engine
	Library *library.Library
}

// Fleet is a group of devices over one remote store.
type Fleet struct {
	Devices []*Device
	store   remote.Store
	userID  string
	logger  *log.Logger
}

// LatencyStats holds latency measurements for one kind of operation.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	TotalEdits int
	Errors     int
	Durations  []time.Duration
}

// Result is the outcome of Run.
type Result struct {
	Devices     int
	Edits       int
	Local       *LatencyStats // AddStudent calls
	Visible     *LatencyStats // call start until the remote holds the edit
	Convergence time.Duration // end of edits until every device holds every edit
	Elapsed     time.Duration
}

// NewFleet opens n devices under dir, each with its own cache database.
// logger may be nil.
func NewFleet(dir string, store remote.Store, n int, logger *log.Logger) (*Fleet, error) {
	if n < 1 {
		return nil, fmt.Errorf("need at least one device, got %d", n)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	quiet := log.New(io.Discard, "", 0)

	f := &Fleet{store: store, userID: "loadtest", logger: logger}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("device-%02d", i+1)
		c, err := cache.Open(filepath.Join(dir, name+".db"), quiet)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open cache for %s: %w", name, err)
		}
		engine := fsync.New(c, remote.NewAdapter(store, 0, quiet), &fsync.Config{Logger: quiet})
		lib := library.New(c, engine, quiet)
		f.Devices = append(f.Devices, &Device{Name: name, Cache: c, Engine: engine, Library: lib})
		if _, err := lib.EnsureDefaults(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", name, err)
		}
	}
	return f, nil
}

// Start starts every engine and waits for reconciliation.
func (f *Fleet) Start(ctx context.Context) error {
	for _, d := range f.Devices {
		if err := d.Engine.Start(ctx, f.userID); err != nil {
			return fmt.Errorf("failed to start %s: %w", d.Name, err)
		}
	}
	for _, d := range f.Devices {
		d.Engine.Wait()
	}
	return nil
}

// Close stops every engine and closes the caches.
func (f *Fleet) Close() {
	for _, d := range f.Devices {
		d.Engine.Stop()
		_ = d.Cache.Close()
	}
}

// Run has every device add editsPerDevice students concurrently, then waits
// up to timeout for all caches to converge.
func (f *Fleet) Run(ctx context.Context, editsPerDevice int, timeout time.Duration) (*Result, error) {
	if editsPerDevice < 1 {
		return nil, fmt.Errorf("need at least one edit per device, got %d", editsPerDevice)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		local    []time.Duration
		visible  []time.Duration
		failures int
		want     []string
	)

	start := time.Now()
	for i, d := range f.Devices {
		wg.Add(1)
		go func(deviceNum int, d *Device) {
			defer wg.Done()

			for j := 0; j < editsPerDevice; j++ {
				id := fmt.Sprintf("STU_D%02d_%04d", deviceNum, j+1)
				begin := time.Now()
				_, err := d.Library.AddStudent(ctx, schema.Student{
					ID:     id,
					Name:   fmt.Sprintf("Load %d.%d", deviceNum, j+1),
					Mobile: fmt.Sprintf("9%09d", deviceNum*100000+j),
					Shift:  schema.ShiftMorning,
				})
				took := time.Since(begin)
				if err != nil {
					f.logger.Printf("%s: edit %s failed: %v", d.Name, id, err)
					mu.Lock()
					failures++
					mu.Unlock()
					continue
				}
				seen, err := f.waitVisible(ctx, id, timeout)
				mu.Lock()
				local = append(local, took)
				want = append(want, id)
				if err != nil {
					f.logger.Printf("%s: %s never reached the remote: %v", d.Name, id, err)
					failures++
				} else {
					visible = append(visible, seen.Sub(begin))
				}
				mu.Unlock()
			}
		}(i+1, d)
	}
	wg.Wait()
	edited := time.Now()

	if len(local) == 0 {
		return nil, fmt.Errorf("no edits completed")
	}

	converged, err := f.WaitConverged(ctx, want, timeout)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Devices:     len(f.Devices),
		Edits:       len(local),
		Local:       computeLatencyStats(local),
		Visible:     computeLatencyStats(visible),
		Convergence: converged.Sub(edited),
		Elapsed:     time.Since(start),
	}
	res.Local.Errors = failures
	return res, nil
}

// waitVisible polls the remote until the student id exists and returns when
// it was first seen.
func (f *Fleet) waitVisible(ctx context.Context, id string, timeout time.Duration) (time.Time, error) {
	deadline := time.Now().Add(timeout)
	for {
		_, ok, err := f.store.Get(ctx, schema.CollectionStudents, id)
		if err == nil && ok {
			return time.Now(), nil
		}
		if time.Now().After(deadline) {
			if err == nil {
				err = errors.New("timed out")
			}
			return time.Time{}, err
		}
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// WaitConverged polls until the remote and every device hold exactly the
// students in want, and returns when that first happened.
func (f *Fleet) WaitConverged(ctx context.Context, want []string, timeout time.Duration) (time.Time, error) {
	expected := make(map[string]bool, len(want))
	for _, id := range want {
		expected[id] = true
	}

	deadline := time.Now().Add(timeout)
	for {
		lagging, err := f.lagging(ctx, expected)
		if err != nil {
			return time.Time{}, err
		}
		if lagging == "" {
			return time.Now(), nil
		}
		if time.Now().After(deadline) {
			return time.Time{}, fmt.Errorf("%s did not converge within %v", lagging, timeout)
		}
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// lagging returns the name of the first replica whose students differ from
// expected, or "" when all match.
func (f *Fleet) lagging(ctx context.Context, expected map[string]bool) (string, error) {
	remoteRecs, err := f.store.GetAll(ctx, schema.CollectionStudents)
	if err != nil {
		return "", fmt.Errorf("failed to read remote students: %w", err)
	}
	if !sameIDs(remoteRecs, expected) {
		return "remote", nil
	}
	for _, d := range f.Devices {
		recs, err := d.Cache.ReadRecords(schema.CollectionStudents)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", d.Name, err)
		}
		if !sameIDs(recs, expected) {
			return d.Name, nil
		}
	}
	return "", nil
}

func sameIDs(records []schema.Record, expected map[string]bool) bool {
	if len(records) != len(expected) {
		return false
	}
	for _, r := range records {
		if !expected[r.ID()] {
			return false
		}
	}
	return true
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalEdits: len(durations),
		Durations:  sorted,
	}
}

// PrintStats writes the statistics under title.
func (s *LatencyStats) PrintStats(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Total Edits:   %d\n", s.TotalEdits)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
