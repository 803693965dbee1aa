package main

import (
	"github.com/spf13/cobra"

	"github.com/calperry/sheetmill/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running Sheetmill server via HTTP.

These commands require a running server (sheetmill serve).
Use --server to specify a custom server URL.

Examples:
  sheetmill api health                     # Check server health
  sheetmill api sheets upload sheet.jpg    # Upload a worksheet
  sheetmill api sheets get <id> --watch    # Poll a sheet until it finishes`,
}

var sheetsCmd = &cobra.Command{
	Use:   "sheets",
	Short: "Worksheet management commands",
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Queue job commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))

	// Sheets as subcommand group
	sheetsCmd.AddCommand((&endpoints.UploadSheetEndpoint{}).Command(getServerURL))
	sheetsCmd.AddCommand((&endpoints.ListSheetsEndpoint{}).Command(getServerURL))
	sheetsCmd.AddCommand((&endpoints.GetSheetEndpoint{}).Command(getServerURL))
	sheetsCmd.AddCommand((&endpoints.RegenerateSheetEndpoint{}).Command(getServerURL))
	sheetsCmd.AddCommand((&endpoints.DeleteSheetEndpoint{}).Command(getServerURL))

	// Jobs as subcommand group
	jobsCmd.AddCommand((&endpoints.ListJobsEndpoint{}).Command(getServerURL))
	jobsCmd.AddCommand((&endpoints.GetJobEndpoint{}).Command(getServerURL))

	apiCmd.AddCommand(sheetsCmd)
	apiCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(apiCmd)
}
