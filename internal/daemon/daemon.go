// Package daemon runs a signed-in session in the foreground.
//
// The daemon:
//  1. Starts the sync engine for the session's user
//  2. Imports bundle files (*.json, *.yaml) dropped into an inbox directory
//  3. Re-saves the settings on every auto-save tick
//  4. Stops the engine on shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox subdirectories that receive handled bundles.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Engine is the part of the sync engine the daemon drives.
type Engine interface {
	Start(ctx context.Context, userID string) error
	Stop()
	Running() bool
}

// Library is the part of the library the daemon calls.
type Library interface {
	Import(data []byte) ([]string, error)
	TouchSettings(ctx context.Context) error
}

// Config holds configuration for the daemon.
type Config struct {
	// Inbox is the directory watched for bundles. Empty disables imports.
	Inbox string

	// AutosaveInterval is how often the settings are re-saved. Zero
	// disables auto-save.
	AutosaveInterval time.Duration

	// DebounceInterval is how long a bundle must stay unchanged before it
	// is imported.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutosaveInterval: 5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts what the daemon did.
type Stats struct {
	Imported  int64
	Failed    int64
	Autosaves int64
}

// Daemon keeps the engine running and feeds it inbox imports.
type Daemon struct {
	engine Engine
	lib    Library
	userID string
	config *Config

	watcher   *InboxWatcher
	pending   map[string]time.Time // path -> last event
	pendingMu sync.Mutex

	imported  atomic.Int64
	failed    atomic.Int64
	autosaves atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon for userID. Use Start or Run to begin.
func New(engine Engine, lib Library, userID string, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if lib == nil {
		return nil, fmt.Errorf("library cannot be nil")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		engine:  engine,
		lib:     lib,
		userID:  userID,
		config:  config,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start starts the engine, queues the bundles already in the inbox and
// begins watching it. It returns once everything is running.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.engine.Start(ctx, d.userID); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}

	if d.config.Inbox != "" {
		if err := d.startInbox(); err != nil {
			d.engine.Stop()
			return err
		}
	}

	if d.config.AutosaveInterval > 0 {
		d.wg.Add(1)
		go d.autosave()
	}
	return nil
}

func (d *Daemon) startInbox() error {
	for _, dir := range []string{d.config.Inbox, d.inboxPath(ProcessedDir), d.inboxPath(FailedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create inbox: %w", err)
		}
	}

	watcher, err := NewInboxWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Start(d.config.Inbox); err != nil {
		_ = watcher.Stop()
		return err
	}
	d.watcher = watcher

	existing, err := ScanInbox(d.config.Inbox)
	if err != nil {
		d.config.Logger.Printf("Failed to scan inbox: %v", err)
	}
	for _, path := range existing {
		d.queue(path)
	}

	d.config.Logger.Printf("Watching inbox: %s", d.config.Inbox)
	d.wg.Add(2)
	go d.watchInbox()
	go d.processQueue()
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop shuts the daemon down and stops the engine. Safe to call twice.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		if d.watcher != nil {
			if werr := d.watcher.Stop(); werr != nil {
				d.config.Logger.Printf("Error closing watcher: %v", werr)
				err = werr
			}
		}
		d.wg.Wait()
		d.engine.Stop()

		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

// Stats returns the daemon counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		Imported:  d.imported.Load(),
		Failed:    d.failed.Load(),
		Autosaves: d.autosaves.Load(),
	}
}

func (d *Daemon) inboxPath(sub string) string {
	return filepath.Join(d.config.Inbox, sub)
}

// ScanInbox lists the bundle files directly inside dir, sorted by name.
func ScanInbox(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || BundleFormat(e.Name()) == "" {
			continue
		}
		path, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func (d *Daemon) watchInbox() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queue(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queue(path string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	d.pending[path] = time.Now()
}

// processQueue imports queued bundles once they have been quiet for the
// debounce interval.
func (d *Daemon) processQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			for _, path := range d.due() {
				d.importFile(path)
			}
		}
	}
}

func (d *Daemon) due() []string {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	now := time.Now()
	var ready []string
	for path, queuedAt := range d.pending {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.pending, path)
	}
	sort.Strings(ready)
	return ready
}

// importFile imports one bundle and moves it to processed/ or failed/.
func (d *Daemon) importFile(path string) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		d.config.Logger.Printf("Error reading %s: %v", path, err)
		return
	}

	keys, err := d.lib.Import(data)
	target := ProcessedDir
	if err != nil {
		d.failed.Add(1)
		target = FailedDir
		d.config.Logger.Printf("Rejected %s: %v", filepath.Base(path), err)
	} else {
		d.imported.Add(1)
		d.config.Logger.Printf("Imported %s: %v", filepath.Base(path), keys)
	}

	dest := filepath.Join(d.inboxPath(target), filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		d.config.Logger.Printf("Error moving %s: %v", path, err)
	}
}

func (d *Daemon) autosave() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.AutosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.engine.Running() {
				continue
			}
			if err := d.lib.TouchSettings(d.ctx); err != nil {
				d.config.Logger.Printf("Auto-save failed: %v", err)
				continue
			}
			d.autosaves.Add(1)
		}
	}
}
