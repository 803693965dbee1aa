package endpoints

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/calperry/sheetmill/internal/api"
	"github.com/calperry/sheetmill/internal/store"
	"github.com/calperry/sheetmill/internal/svcctx"
)

// ListSheetsResponse is the response for listing sheets.
type ListSheetsResponse struct {
	Sheets []store.Sheet `json:"sheets"`
}

// ListSheetsEndpoint handles GET /api/v1/sheets.
type ListSheetsEndpoint struct{}

func (e *ListSheetsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/sheets", e.handler
}

func (e *ListSheetsEndpoint) RequiresInit() bool { return true }

func (e *ListSheetsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	sheets, err := st.ListSheets(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ListSheetsResponse{Sheets: sheets})
}

func (e *ListSheetsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sheets",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			path := "/api/v1/sheets"
			if ownerID != "" {
				path += "?owner_id=" + url.QueryEscape(ownerID)
			}

			var resp ListSheetsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Filter by owner")
	return cmd
}
