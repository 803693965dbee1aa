package endpoints

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/spf13/cobra"

	"github.com/calperry/sheetmill/internal/api"
	"github.com/calperry/sheetmill/internal/pipeline"
	"github.com/calperry/sheetmill/internal/queue"
	"github.com/calperry/sheetmill/internal/store"
	"github.com/calperry/sheetmill/internal/svcctx"
)

// allowedUploadTypes maps sniffed MIME types to storage extensions. The
// client-supplied Content-Type header is ignored; type is decided by magic
// bytes alone.
var allowedUploadTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// UploadSheetResponse is the response for a successful worksheet upload.
type UploadSheetResponse struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	TestKind string `json:"test_kind"`
}

// UploadSheetEndpoint handles POST /api/v1/sheets with a multipart worksheet
// upload. Accepts the file, creates the pending record, enqueues the
// processing job, and returns 202; all slow work happens on the worker pool.
type UploadSheetEndpoint struct {
	// MaxBytes caps the upload size (default 20MB).
	MaxBytes int64
}

var _ api.Endpoint = (*UploadSheetEndpoint)(nil)

func (e *UploadSheetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/sheets", e.handler
}

func (e *UploadSheetEndpoint) RequiresInit() bool { return true }

func (e *UploadSheetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	maxBytes := e.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds the %dMB limit", maxBytes>>20))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read upload: %v", err))
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "uploaded file is empty")
		return
	}

	mimeType := http.DetectContentType(content)
	ext, ok := allowedUploadTypes[mimeType]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type %s: upload a JPEG, PNG, WebP, or PDF", mimeType))
		return
	}
	if mimeType == "application/pdf" {
		if _, err := pdfapi.PageCount(bytes.NewReader(content), nil); err != nil {
			writeError(w, http.StatusBadRequest, "invalid file: PDF could not be read")
			return
		}
	}

	testKind, err := parseTestKind(r.FormValue("test_kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	variants, err := parseVariantCount(r.FormValue("tests_to_generate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	gradeLevel := 0
	if v := r.FormValue("grade_level"); v != "" {
		gradeLevel, err = strconv.Atoi(v)
		if err != nil || gradeLevel < 0 {
			writeError(w, http.StatusBadRequest, "grade_level must be a non-negative integer")
			return
		}
	}
	ownerID := r.FormValue("owner_id")
	if ownerID == "" {
		ownerID = "local"
	}
	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}

	st := svcctx.StoreFrom(r.Context())
	blobs := svcctx.BlobsFrom(r.Context())
	q := svcctx.QueueFrom(r.Context())
	if st == nil || blobs == nil || q == nil {
		writeError(w, http.StatusServiceUnavailable, "server not fully initialized")
		return
	}

	sheetID := uuid.NewString()
	storageKey := fmt.Sprintf("sheets/%s/original%s", sheetID, ext)
	if err := blobs.Put(storageKey, content); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to store upload: %v", err))
		return
	}

	sheet := &store.Sheet{
		ID:              sheetID,
		OwnerID:         ownerID,
		Title:           title,
		StorageKey:      storageKey,
		MIMEType:        mimeType,
		TestKind:        testKind,
		TestsToGenerate: variants,
		GradeLevel:      gradeLevel,
	}
	if err := st.CreateSheet(r.Context(), sheet); err != nil {
		_ = blobs.Delete(storageKey)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create sheet: %v", err))
		return
	}

	jobID, err := q.Enqueue(r.Context(), pipeline.JobType, queue.Payload{SheetID: sheetID, Action: queue.ActionProcess})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue processing: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, UploadSheetResponse{
		ID:       sheetID,
		JobID:    jobID,
		Status:   string(store.SheetPending),
		TestKind: string(testKind),
	})
}

func parseTestKind(v string) (store.TestKind, error) {
	switch store.TestKind(v) {
	case "", store.TestKindVocabulary:
		return store.TestKindVocabulary, nil
	case store.TestKindSpelling:
		return store.TestKindSpelling, nil
	case store.TestKindGeneralKnowledge:
		return store.TestKindGeneralKnowledge, nil
	default:
		return "", fmt.Errorf("unknown test_kind %q: expected vocabulary, spelling, or general_knowledge", v)
	}
}

func parseVariantCount(v string) (int, error) {
	if v == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("tests_to_generate must be a positive integer")
	}
	if n > pipeline.MaxVariants {
		n = pipeline.MaxVariants
	}
	return n, nil
}

func (e *UploadSheetEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		title      string
		testKind   string
		variants   int
		gradeLevel int
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a worksheet for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			fields := map[string]string{
				"test_kind":         testKind,
				"tests_to_generate": strconv.Itoa(variants),
			}
			if title != "" {
				fields["title"] = title
			}
			if gradeLevel > 0 {
				fields["grade_level"] = strconv.Itoa(gradeLevel)
			}

			client := api.NewClient(getServerURL())
			if watch {
				poller := api.NewPoller(client, api.PollerConfig{
					OnProgress: func(p api.Progress) {
						fmt.Printf("%-12s %3d%% %s\n", p.Stage, p.Percent, p.Message)
					},
				})
				final, err := poller.UploadAndWatch(cmd.Context(), args[0], content, fields)
				if err != nil {
					return err
				}
				return api.Output(final)
			}

			var resp UploadSheetResponse
			if err := client.Upload(cmd.Context(), "/api/v1/sheets", "file", args[0], content, fields, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Sheet title (defaults to the file name)")
	cmd.Flags().StringVar(&testKind, "kind", "vocabulary", "Test kind: vocabulary, spelling, or general_knowledge")
	cmd.Flags().IntVar(&variants, "variants", 1, "Number of test variants to generate (max 10)")
	cmd.Flags().IntVar(&gradeLevel, "grade", 0, "Target grade level")
	cmd.Flags().BoolVar(&watch, "watch", false, "Poll until processing finishes")
	return cmd
}
