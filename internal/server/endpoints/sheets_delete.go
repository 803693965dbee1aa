package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/calperry/sheetmill/internal/api"
	"github.com/calperry/sheetmill/internal/svcctx"
)

// DeleteSheetEndpoint handles DELETE /api/v1/sheets/{id}. Removes the sheet,
// all dependent rows, and its blob objects.
type DeleteSheetEndpoint struct{}

func (e *DeleteSheetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/v1/sheets/{id}", e.handler
}

func (e *DeleteSheetEndpoint) RequiresInit() bool { return true }

func (e *DeleteSheetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	blobs := svcctx.BlobsFrom(r.Context())
	if st == nil || blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "server not fully initialized")
		return
	}

	id := r.PathValue("id")
	if _, err := st.GetSheet(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("sheet %s not found", id))
		return
	}

	if err := st.DeleteSheet(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Blob cleanup after the row delete: an orphaned blob is recoverable
	// noise, an orphaned row pointing at nothing is a broken sheet.
	if err := blobs.DeletePrefix("sheets/" + id); err != nil {
		logger := svcctx.LoggerFrom(r.Context())
		if logger != nil {
			logger.Warn("failed to delete sheet blobs", "sheet_id", id, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (e *DeleteSheetEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <sheet-id>",
		Short: "Delete a sheet and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			if err := client.Delete(cmd.Context(), "/api/v1/sheets/"+args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted sheet %s\n", args[0])
			return nil
		},
	}
}
