package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/auth"
	"github.com/falconlib/falcon/internal/daemon"
	"github.com/falconlib/falcon/internal/library"
	"github.com/falconlib/falcon/internal/ui"
)

// timeNow is the clock used for command defaults.
var timeNow = time.Now

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "admin",
	Short:   "Export settings, students, payments and shifts",
	Long: `Write a backup bundle with the settings, students, payments and shifts.

The format follows the output extension (.json, .yaml, .yml) unless
--format is given. Without --output the bundle goes to stdout.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		s := a.session()

		output, _ := cmd.Flags().GetString("output")
		format, _ := cmd.Flags().GetString("format")
		if format == "" {
			format = daemon.BundleFormat(output)
		}

		bundle, err := a.lib.Export(s.User.Email)
		if err != nil {
			fatal("%v", err)
		}

		if output == "" {
			if err := library.Encode(os.Stdout, bundle, format); err != nil {
				fatal("%v", err)
			}
			return
		}

		f, err := os.Create(output)
		if err != nil {
			fatal("failed to create %s: %v", output, err)
		}
		if err := library.Encode(f, bundle, format); err != nil {
			f.Close()
			fatal("%v", err)
		}
		if err := f.Close(); err != nil {
			fatal("failed to write %s: %v", output, err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d students and %d payments to %s\n",
			ui.RenderPass("✓"), len(bundle.Students), len(bundle.Payments), output)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "admin",
	Short:   "Import a JSON or YAML bundle",
	Long: `Import a bundle written by 'falcon export'. Only the keys present in the
bundle are replaced; the rest of the local data is left alone. The
imported data is then pushed to the remote.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			fatal("failed to read %s: %v", args[0], err)
		}

		a := openApp()
		defer a.close()
		s := a.session()

		if err := a.engine.Start(context.Background(), s.UserID); err != nil {
			fatal("%v", err)
		}
		a.engine.Wait()

		keys, err := a.lib.Import(data)
		if err != nil {
			fatal("%v", err)
		}
		a.engine.Wait()
		fmt.Printf("%s Imported %v from %s\n", ui.RenderPass("✓"), keys, filepath.Base(args[0]))
	},
}

var seedCmd = &cobra.Command{
	Use:     "seed",
	GroupID: "admin",
	Short:   "Create the demo account and data on the remote",
	Long: fmt.Sprintf(`Write the demo account (%s / %s), default settings and shifts,
three students and two payments to the remote store. Nothing is written
if the demo account already exists.`, library.DemoEmail, library.DemoPassword),
	Run: func(cmd *cobra.Command, args []string) {
		logs := openLogs(cfg)
		defer logs.Close()

		store, db, err := openStore(cfg, logs)
		if err != nil {
			fatal("failed to open remote: %v", err)
		}
		if db != nil {
			defer db.Close()
		}
		creds, err := auth.CredentialsByName(cfg.Auth.Credentials)
		if err != nil {
			fatal("%v", err)
		}

		res, err := library.SeedDemo(context.Background(), store, creds, timeNow())
		if err != nil {
			fatal("%v", err)
		}
		if res.Skipped {
			fmt.Printf("%s Demo account already exists (%s)\n", ui.RenderPass("✓"), res.UserID)
			return
		}
		fmt.Printf("%s Demo data created\n", ui.RenderPass("✓"))
		fmt.Printf("   Account: %s / %s\n", library.DemoEmail, library.DemoPassword)
		fmt.Printf("   Students: %d\n", res.Students)
		fmt.Printf("   Payments: %d\n", res.Payments)
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	exportCmd.Flags().StringP("format", "f", "", "json or yaml (default from extension, else json)")

	rootCmd.AddCommand(exportCmd, importCmd, seedCmd)
}
