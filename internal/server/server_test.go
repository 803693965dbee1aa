package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/calperry/sheetmill/internal/api"
	"github.com/calperry/sheetmill/internal/config"
	"github.com/calperry/sheetmill/internal/genai"
	"github.com/calperry/sheetmill/internal/home"
	"github.com/calperry/sheetmill/internal/server/endpoints"
)

var jpegHeader = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0, 0, 0, 0}

func newTestServer(t *testing.T, port string, ai genai.Client) *Server {
	t.Helper()
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create home: %v", err)
	}
	if err := h.EnsureExists(); err != nil {
		t.Fatalf("failed to create home directory: %v", err)
	}
	if err := config.WriteDefault(h.ConfigPath()); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cm, err := config.NewManager(h.ConfigPath())
	if err != nil {
		t.Fatalf("failed to create config manager: %v", err)
	}

	srv, err := New(Config{
		Host:          "127.0.0.1",
		Port:          port,
		Home:          h,
		ConfigManager: cm,
		AIClient:      ai,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func waitForServer(ctx context.Context, baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server at %s not ready after %v", baseURL, timeout)
}

func TestServer_FullLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ai := &genai.MockClient{
		ExtractResult: &genai.ExtractionResult{
			Vocabulary: []genai.WordEntry{
				{Text: "ephemeral", Definition: "lasting a very short time"},
				{Text: "laconic", Definition: "using few words"},
			},
		},
		GenerateFunc: func(req *genai.GenerationRequest) ([]genai.GeneratedQuestion, error) {
			return genai.MockQuestions(req.Words, req.QuestionsPerWord), nil
		},
	}

	port := "18245"
	srv := newTestServer(t, port, ai)

	serverCtx, serverCancel := context.WithCancel(ctx)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(serverCtx)
	}()

	baseURL := "http://127.0.0.1:" + port
	if err := waitForServer(ctx, baseURL, 10*time.Second); err != nil {
		serverCancel()
		t.Fatalf("server did not start: %v", err)
	}
	client := api.NewClient(baseURL)

	t.Run("ready_endpoint", func(t *testing.T) {
		var resp endpoints.HealthResponse
		if err := client.Get(ctx, "/ready", &resp); err != nil {
			t.Fatalf("ready failed: %v", err)
		}
		if resp.Status != "ok" {
			t.Errorf("status = %q, want ok", resp.Status)
		}
	})

	var sheetID string
	t.Run("upload_and_process", func(t *testing.T) {
		poller := api.NewPoller(client, api.PollerConfig{Interval: 50 * time.Millisecond})
		final, err := poller.UploadAndWatch(ctx, "week12.jpg", jpegHeader, map[string]string{
			"title":             "Week 12",
			"test_kind":         "vocabulary",
			"tests_to_generate": "2",
		})
		if err != nil {
			t.Fatalf("UploadAndWatch failed: %v", err)
		}
		if final.Stage != api.StageComplete {
			t.Fatalf("final stage = %s (%s)", final.Stage, final.Message)
		}

		var list endpoints.ListSheetsResponse
		if err := client.Get(ctx, "/api/v1/sheets", &list); err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(list.Sheets) != 1 {
			t.Fatalf("expected 1 sheet, got %d", len(list.Sheets))
		}
		sheetID = list.Sheets[0].ID

		var detail endpoints.SheetDetailResponse
		if err := client.Get(ctx, "/api/v1/sheets/"+sheetID, &detail); err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if len(detail.Words) != 2 {
			t.Errorf("expected 2 words, got %d", len(detail.Words))
		}
		if len(detail.Tests) != 2 {
			t.Fatalf("expected 2 tests, got %d", len(detail.Tests))
		}
		for _, test := range detail.Tests {
			if len(test.Questions) != 4 {
				t.Errorf("variant %s: expected 4 questions, got %d", test.Variant, len(test.Questions))
			}
		}
	})

	t.Run("regenerate", func(t *testing.T) {
		if sheetID == "" {
			t.Skip("upload did not run")
		}
		var resp endpoints.RegenerateResponse
		if err := client.Post(ctx, "/api/v1/sheets/"+sheetID+"/regenerate", nil, &resp); err != nil {
			t.Fatalf("regenerate failed: %v", err)
		}

		poller := api.NewPoller(client, api.PollerConfig{Interval: 50 * time.Millisecond})
		final, err := poller.Watch(ctx, sheetID)
		if err != nil {
			t.Fatalf("Watch failed: %v", err)
		}
		if final.Stage != api.StageComplete {
			t.Fatalf("final stage = %s (%s)", final.Stage, final.Message)
		}
		if ai.ExtractCalls() != 1 {
			t.Errorf("regenerate must not re-extract, saw %d extraction calls", ai.ExtractCalls())
		}
	})

	t.Run("delete", func(t *testing.T) {
		if sheetID == "" {
			t.Skip("upload did not run")
		}
		if err := client.Delete(ctx, "/api/v1/sheets/"+sheetID); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		var detail endpoints.SheetDetailResponse
		if err := client.Get(ctx, "/api/v1/sheets/"+sheetID, &detail); err == nil {
			t.Error("expected an error fetching a deleted sheet")
		}
	})

	serverCancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(35 * time.Second):
		t.Fatal("server did not shut down")
	}
	if srv.IsRunning() {
		t.Error("server still reports running after shutdown")
	}
}

func TestNew_Validation(t *testing.T) {
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create home: %v", err)
	}

	t.Run("missing home", func(t *testing.T) {
		if _, err := New(Config{}); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("missing config manager", func(t *testing.T) {
		if _, err := New(Config{Home: h}); err == nil {
			t.Error("expected an error")
		}
	})
}
