package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/config"
	"github.com/falconlib/falcon/internal/docstore"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/server"
	"github.com/falconlib/falcon/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "admin",
	Short:   "Serve the document store over HTTP and websockets",
	Long: `Serve the docstore remote (remote.dsn) so that other devices can use it
with remote.kind = "http".

Endpoints:
  GET    /v1/{collection}              list documents
  GET    /v1/{collection}/{id}         read one document
  PUT    /v1/{collection}/{id}         merge fields into a document
  DELETE /v1/{collection}/{id}         delete a document
  GET    /v1/watch?collection=&doc=    websocket snapshot feed
  GET    /health                       health check
  GET    /metrics                      Prometheus metrics

Example usage:
  falcon serve                   # Start on the configured port (8080)
  falcon serve --port 9000       # Start on a custom port`,
	Run: func(cmd *cobra.Command, args []string) {
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		if cfg.Remote.Kind == config.RemoteHTTP {
			fatal("serve needs a local store (remote.kind docstore or memory)")
		}

		logs := openLogs(cfg)
		defer logs.Close()

		var store remote.Store
		if cfg.Remote.Kind == config.RemoteMemory {
			store = remote.NewMemory()
		} else {
			db, err := docstore.Open(cfg.Remote.DSN, logs.For("docstore"))
			if err != nil {
				fatal("failed to open store: %v", err)
			}
			defer db.Close()
			db.StartPolling(cfg.Remote.PollInterval)
			defer db.StopPolling()
			store = remote.NewDocStore(db, logs.For("remote"))
		}

		srv := server.NewServer(&server.Config{
			Port:   port,
			Store:  store,
			Logger: logs.For("server"),
		})
		if err := srv.Start(); err != nil {
			fatal("failed to start server: %v", err)
		}

		_, listening, _ := net.SplitHostPort(srv.GetAddr())
		fmt.Printf("%s Serving %s on http://localhost:%s\n", ui.RenderAccent("🚀"), cfg.Remote.Kind, listening)
		fmt.Printf("   Watch: ws://localhost:%s/v1/watch\n", listening)
		fmt.Printf("   Metrics: http://localhost:%s/metrics\n", listening)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down server...")
		if err := srv.Stop(); err != nil {
			fatal("error during shutdown: %v", err)
		}
		fmt.Println("Server stopped")
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "admin",
	Short:   "Show or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a falcon.toml with the current settings",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := cfgFile
		if path == "" {
			path = filepath.Join(cfg.Home, config.FileName+".toml")
		}
		if err := config.WriteDefault(path, cfg, force); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("# home = %s\n", cfg.Home)
		if err := cfg.Encode(os.Stdout); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, configCmd)
}
