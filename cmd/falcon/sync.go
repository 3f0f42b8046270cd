package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/config"
	"github.com/falconlib/falcon/internal/daemon"
	"github.com/falconlib/falcon/internal/schema"
	"github.com/falconlib/falcon/internal/sync"
	"github.com/falconlib/falcon/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile the local cache with the remote once",
	Long: `Reconcile every tracked collection (settings, students, payments, shifts)
with the remote store:

  1. Pull: non-empty remote data replaces the local copy
  2. Push: every local record is upserted to the remote
  3. Subscribe, then stop once everything settles

Use 'falcon daemon' to keep the subscriptions open.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		s := a.session()

		fmt.Printf("%s Syncing %s with the %s remote...\n", ui.RenderAccent("🔄"), s.User.Email, cfg.Remote.Kind)
		start := time.Now()
		stats, err := a.syncOnce(context.Background(), s.UserID)
		if err != nil {
			fatal("sync failed: %v", err)
		}
		printSyncStats(stats, time.Since(start))
	},
}

func printSyncStats(stats sync.Stats, elapsed time.Duration) {
	mark := ui.RenderPass("✓")
	if stats.Failures > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync complete in %v\n", mark, elapsed.Round(time.Millisecond))
	fmt.Printf("   Pulled: %d\n", stats.Pulls)
	fmt.Printf("   Pushed: %d\n", stats.Pushes)
	if stats.Failures > 0 {
		fmt.Printf("   Failed: %d (local data kept; see the log)\n", stats.Failures)
	}
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Stay synchronized in the foreground",
	Long: `Run the signed-in session in the foreground.

The daemon will:
  1. Reconcile and subscribe to every tracked collection
  2. Apply changes made on other devices as they arrive
  3. Import bundles dropped into the inbox directory
  4. Re-save the settings every auto-save interval

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		s := a.session()

		if a.db != nil {
			a.db.StartPolling(cfg.Remote.PollInterval)
		}
		a.engine.SetRefresh(func(collection string) {
			fmt.Printf("%s %s updated from the remote\n", ui.RenderAccent("↻"), collection)
		})

		d, err := daemon.New(a.engine, a.lib, s.UserID, &daemon.Config{
			Inbox:            cfg.Daemon.Inbox,
			AutosaveInterval: cfg.Daemon.AutosaveInterval,
			DebounceInterval: cfg.Daemon.Debounce,
			Logger:           a.logs.For("daemon"),
		})
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s Starting falcon daemon for %s...\n", ui.RenderAccent("🚀"), s.User.Email)
		fmt.Printf("   Remote: %s\n", cfg.Remote.Kind)
		fmt.Printf("   Inbox: %s\n", cfg.Daemon.Inbox)
		fmt.Printf("   Auto-save: every %v\n", cfg.Daemon.AutosaveInterval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Run(ctx); err != nil {
			fatal("daemon stopped: %v", err)
		}

		st := d.Stats()
		fmt.Printf("\n%s Daemon stopped (%d imported, %d rejected, %d auto-saves)\n",
			ui.RenderPass("✓"), st.Imported, st.Failed, st.Autosaves)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache, session and remote status",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()

		size, err := a.cache.Size()
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("\n%s Falcon Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Cache: %s (%s)\n", cfg.Cache.Path, humanize.Bytes(uint64(size)))
		switch cfg.Remote.Kind {
		case config.RemoteHTTP:
			fmt.Printf("Remote: %s %s\n", cfg.Remote.Kind, cfg.Remote.URL)
		case config.RemoteDocStore:
			fmt.Printf("Remote: %s %s\n", cfg.Remote.Kind, cfg.Remote.DSN)
		default:
			fmt.Printf("Remote: %s\n", cfg.Remote.Kind)
		}

		if s, err := a.gate.Current(); err == nil {
			fmt.Printf("Session: %s, signed in %s\n", s, humanize.Time(s.Started))
		} else {
			fmt.Printf("Session: %s\n", ui.RenderMuted("not signed in"))
		}

		for _, key := range []string{schema.CollectionStudents, schema.CollectionPayments} {
			records, err := a.cache.ReadRecords(key)
			if err != nil {
				fmt.Printf("%s: %s\n", key, ui.RenderFail(err.Error()))
				continue
			}
			fmt.Printf("%s: %s\n", key, humanize.Comma(int64(len(records))))
		}
		if settings, err := a.lib.Settings(); err == nil {
			fmt.Printf("Last update: %s\n", settings.LastUpdate)
		}

		keys, err := a.cache.Keys()
		if err == nil {
			var sessionKeys int
			for _, k := range keys {
				if k == cache.KeyUserID || k == cache.KeyCurrentUser || k == cache.KeySessionTime {
					sessionKeys++
				}
			}
			fmt.Printf("Keys: %d (%d session)\n", len(keys), sessionKeys)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, daemonCmd, statusCmd)
}
