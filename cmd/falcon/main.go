// Command falcon manages a library's seats, students and payments from the
// terminal and keeps them in sync with a shared remote store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/config"
	"github.com/falconlib/falcon/internal/ui"
)

var (
	v       = config.New()
	cfg     *config.Config
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "falcon",
	Short: "Library seat management with cloud sync",
	Long: `falcon keeps a library's students, seats, payments and settings in a local
cache and synchronizes them with a shared remote store.

Sign in first with 'falcon login'. Changes made with the student, payment
and settings commands are saved locally and pushed to the remote at once.
Run 'falcon daemon' to stay subscribed to changes made on other devices.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(os.Stdout)
		config.LoadDotEnv(homeHint())

		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			fatal("%v", err)
		}
		cfg = loaded
	},
}

// homeHint is the home directory before the config file is read.
func homeHint() string {
	if home := v.GetString("home"); home != "" {
		return home
	}
	return config.DefaultHome()
}

func bindFlag(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "session", Title: "Session:"},
		&cobra.Group{ID: "library", Title: "Library:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default falcon.toml in the home or working directory)")
	flags.String("home", "", "data directory (default $FALCON_HOME or ~/.falcon)")
	flags.String("remote", "", "remote store kind: memory, docstore or http")
	flags.String("remote-url", "", "falcon server URL for the http remote")
	flags.String("remote-dsn", "", "SQLite path or libsql:// URL for the docstore remote")
	flags.BoolVarP(&verbose, "verbose", "v", false, "also log to stderr")

	bindFlag("home", "home")
	bindFlag("remote.kind", "remote")
	bindFlag("remote.url", "remote-url")
	bindFlag("remote.dsn", "remote-dsn")
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
