package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/calperry/sheetmill/internal/api"
	"github.com/calperry/sheetmill/internal/pipeline"
	"github.com/calperry/sheetmill/internal/queue"
	"github.com/calperry/sheetmill/internal/store"
	"github.com/calperry/sheetmill/internal/svcctx"
)

// RegenerateResponse is the response for a successful regenerate request.
type RegenerateResponse struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// RegenerateRefusal reports why a regenerate request was refused: existing
// tests carry student history that regeneration would cascade-delete. The
// caller can retry with force=true once they've decided the history is
// expendable.
type RegenerateRefusal struct {
	Error       string `json:"error"`
	Tests       int64  `json:"tests"`
	Attempts    int64  `json:"attempts"`
	Assignments int64  `json:"assignments"`
}

// RegenerateSheetEndpoint handles POST /api/v1/sheets/{id}/regenerate.
// Re-runs test generation against the sheet's existing words, replacing all
// prior tests.
type RegenerateSheetEndpoint struct{}

func (e *RegenerateSheetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/sheets/{id}/regenerate", e.handler
}

func (e *RegenerateSheetEndpoint) RequiresInit() bool { return true }

func (e *RegenerateSheetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	q := svcctx.QueueFrom(r.Context())
	if st == nil || q == nil {
		writeError(w, http.StatusServiceUnavailable, "server not fully initialized")
		return
	}

	id := r.PathValue("id")
	sheet, err := st.GetSheet(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("sheet %s not found", id))
		return
	}

	if sheet.Status != store.SheetCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("sheet is %s: only completed sheets can be regenerated", sheet.Status))
		return
	}

	count, err := st.CountWords(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if count == 0 {
		writeError(w, http.StatusConflict, "sheet has no extracted words to regenerate from")
		return
	}

	if r.URL.Query().Get("force") != "true" {
		guard, err := st.RegenerateGuard(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if guard.Blocked() {
			writeJSON(w, http.StatusConflict, RegenerateRefusal{
				Error:       "existing tests have recorded attempts or classroom assignments; pass force=true to delete them",
				Tests:       guard.Tests,
				Attempts:    guard.Attempts,
				Assignments: guard.Assignments,
			})
			return
		}
	}

	jobID, err := q.Enqueue(r.Context(), pipeline.JobType, queue.Payload{SheetID: id, Action: queue.ActionRegenerate})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue regeneration: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, RegenerateResponse{
		ID:     id,
		JobID:  jobID,
		Status: string(sheet.Status),
	})
}

func (e *RegenerateSheetEndpoint) Command(getServerURL func() string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "regenerate <sheet-id>",
		Short: "Regenerate a sheet's tests from its existing words",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			path := "/api/v1/sheets/" + args[0] + "/regenerate"
			if force {
				path += "?force=true"
			}

			var resp RegenerateResponse
			if err := client.Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Regenerate even if tests have attempts or assignments")
	return cmd
}
