package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/calperry/sheetmill/internal/api"
	"github.com/calperry/sheetmill/internal/store"
	"github.com/calperry/sheetmill/internal/svcctx"
)

// SheetDetailResponse is one sheet with its extracted words and generated
// tests. Pollers only read the top-level status fields; the nested data is
// for the review UI.
type SheetDetailResponse struct {
	store.Sheet
	Words []store.Word `json:"words"`
	Tests []store.Test `json:"tests"`
}

// GetSheetEndpoint handles GET /api/v1/sheets/{id}.
type GetSheetEndpoint struct{}

func (e *GetSheetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/sheets/{id}", e.handler
}

func (e *GetSheetEndpoint) RequiresInit() bool { return true }

func (e *GetSheetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	id := r.PathValue("id")
	sheet, err := st.GetSheet(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("sheet %s not found", id))
		return
	}

	words, err := st.WordsForSheet(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tests, err := st.TestsForSheet(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range tests {
		questions, err := st.QuestionsForTest(r.Context(), tests[i].ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		tests[i].Questions = questions
	}

	writeJSON(w, http.StatusOK, SheetDetailResponse{Sheet: *sheet, Words: words, Tests: tests})
}

func (e *GetSheetEndpoint) Command(getServerURL func() string) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "get <sheet-id>",
		Short: "Get a sheet with its words and tests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			if watch {
				poller := api.NewPoller(client, api.PollerConfig{
					OnProgress: func(p api.Progress) {
						fmt.Printf("%-12s %3d%% %s\n", p.Stage, p.Percent, p.Message)
					},
				})
				final, err := poller.Watch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return api.Output(final)
			}

			var resp SheetDetailResponse
			if err := client.Get(cmd.Context(), "/api/v1/sheets/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Poll until processing finishes")
	return cmd
}
