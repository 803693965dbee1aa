package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint pairs an HTTP route with the CLI command that calls it, so each
// API operation is declared exactly once.
type Endpoint interface {
	// Route returns the HTTP method, path, and handler for this endpoint.
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit reports whether the endpoint needs the server's services
	// (store, queue, blob storage) to be up before it can answer.
	RequiresInit() bool

	// Command returns a Cobra command that calls this endpoint over HTTP.
	// getServerURL is evaluated at run time, after flags are parsed.
	Command(getServerURL func() string) *cobra.Command
}
