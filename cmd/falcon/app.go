package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/falconlib/falcon/internal/auth"
	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/config"
	"github.com/falconlib/falcon/internal/docstore"
	"github.com/falconlib/falcon/internal/library"
	"github.com/falconlib/falcon/internal/logging"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/sync"
)

// app is everything a command needs, wired from the loaded config.
type app struct {
	logs   *logging.Logs
	cache  *cache.Cache
	db     *docstore.DB
	store  remote.Store
	engine *sync.Engine
	gate   *auth.Gate
	lib    *library.Library
}

// openLogs opens the log output for cfg.
func openLogs(cfg *config.Config) *logging.Logs {
	logs, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Verbose:    verbose,
	})
	if err != nil {
		fatal("failed to open log: %v", err)
	}
	return logs
}

// openStore connects to the configured remote store. db is set for the
// docstore kind.
func openStore(cfg *config.Config, logs *logging.Logs) (store remote.Store, db *docstore.DB, err error) {
	switch cfg.Remote.Kind {
	case config.RemoteMemory:
		return remote.NewMemory(), nil, nil
	case config.RemoteDocStore:
		db, err := docstore.Open(cfg.Remote.DSN, logs.For("docstore"))
		if err != nil {
			return nil, nil, err
		}
		return remote.NewDocStore(db, logs.For("remote")), db, nil
	case config.RemoteHTTP:
		client, err := remote.NewClient(cfg.Remote.URL, &http.Client{Timeout: cfg.Remote.Timeout}, logs.For("remote"))
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
	}
}

// openApp wires the cache, remote, engine, auth gate and library.
func openApp() *app {
	logs := openLogs(cfg)

	c, err := cache.Open(cfg.Cache.Path, logs.For("cache"))
	if err != nil {
		fatal("failed to open cache: %v", err)
	}

	store, db, err := openStore(cfg, logs)
	if err != nil {
		_ = c.Close()
		fatal("failed to open remote: %v", err)
	}

	adapter := remote.NewAdapter(store, cfg.Remote.Timeout, logs.For("remote"))
	engine := sync.New(c, adapter, &sync.Config{
		PushConcurrency: cfg.Sync.PushConcurrency,
		Logger:          logs.For("sync"),
	})

	creds, err := auth.CredentialsByName(cfg.Auth.Credentials)
	if err != nil {
		fatal("%v", err)
	}
	gate := auth.NewGate(auth.NewRemoteDirectory(store), c, creds, logs.For("auth"))
	gate.SetStopper(engine)

	lib := library.New(c, engine, logs.For("library"))
	if _, err := lib.EnsureDefaults(); err != nil {
		fatal("%v", err)
	}

	return &app{logs: logs, cache: c, db: db, store: store, engine: engine, gate: gate, lib: lib}
}

// close lets pending pushes finish, then releases everything.
func (a *app) close() {
	a.engine.Wait()
	a.engine.Stop()
	if a.db != nil {
		a.db.StopPolling()
		_ = a.db.Close()
	}
	_ = a.cache.Close()
	_ = a.logs.Close()
}

// session returns the signed-in session or exits.
func (a *app) session() *auth.Session {
	s, err := a.gate.Current()
	if errors.Is(err, auth.ErrNoSession) {
		fatal("not signed in (run 'falcon login')")
	}
	if err != nil {
		fatal("%v", err)
	}
	return s
}

// syncOnce reconciles every tracked collection with the remote and stops.
func (a *app) syncOnce(ctx context.Context, userID string) (sync.Stats, error) {
	if err := a.engine.Start(ctx, userID); err != nil {
		return sync.Stats{}, err
	}
	a.engine.Wait()
	a.engine.Stop()
	return a.engine.Stats(), nil
}
