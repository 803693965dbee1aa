package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/calperry/sheetmill/internal/config"
	"github.com/calperry/sheetmill/internal/home"
	"github.com/calperry/sheetmill/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Sheetmill server",
	Long: `Start the Sheetmill HTTP server.

This starts the HTTP API, the job queue, and the worker pool that processes
uploaded worksheets. State lives under the sheetmill home directory
(~/.sheetmill by default): a sqlite database plus a blobs directory.

The server provides:
  - /health - Basic server health check
  - /ready  - Readiness check (includes store and queue status)

Examples:
  sheetmill serve                    # Start on default port 8080
  sheetmill serve --port 3000        # Start on custom port
  sheetmill serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// First run gets a config file to edit
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}

		cfgPath := cfgFile
		if cfgPath == "" {
			cfgPath = h.ConfigPath()
		}
		cfgMgr, err := config.NewManager(cfgPath)
		if err != nil {
			return err
		}
		cfgMgr.WatchConfig()

		host := serveHost
		port := servePort
		if !cmd.Flags().Changed("host") && cfgMgr.Get().Server.Host != "" {
			host = cfgMgr.Get().Server.Host
		}
		if !cmd.Flags().Changed("port") && cfgMgr.Get().Server.Port != "" {
			port = cfgMgr.Get().Server.Port
		}

		// Create server
		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Home:          h,
			ConfigManager: cfgMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
