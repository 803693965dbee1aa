// Package server wires the record store, blob store, queue, worker pool, and
// HTTP API into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calperry/sheetmill/internal/api"
	"github.com/calperry/sheetmill/internal/blob"
	"github.com/calperry/sheetmill/internal/config"
	"github.com/calperry/sheetmill/internal/genai"
	"github.com/calperry/sheetmill/internal/home"
	"github.com/calperry/sheetmill/internal/pipeline"
	"github.com/calperry/sheetmill/internal/queue"
	"github.com/calperry/sheetmill/internal/server/endpoints"
	"github.com/calperry/sheetmill/internal/store"
	"github.com/calperry/sheetmill/internal/svcctx"
	"github.com/calperry/sheetmill/internal/worker"
)

// Server is the main Sheetmill HTTP server. It owns the sqlite database, the
// blob directory, the job queue, and the worker pool that drives the
// processing pipeline.
type Server struct {
	httpServer *http.Server
	homeDir    *home.Dir
	configMgr  *config.Manager
	logger     *slog.Logger

	store *store.Store
	queue *queue.Queue
	blobs *blob.Store

	// aiClient delegates to a swappable client so config reloads take
	// effect without restarting in-flight workers.
	aiClient *reloadableClient

	// aiOverride, when set, is used instead of a config-built client (tests).
	aiOverride genai.Client

	// services holds all core services for context enrichment
	services atomic.Pointer[svcctx.Services]

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Home is the sheetmill home directory (database, blobs, config)
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// AIClient overrides the config-built extraction/generation client
	AIClient genai.Client
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}

	s := &Server{
		homeDir:    cfg.Home,
		configMgr:  cfg.ConfigManager,
		aiClient:   &reloadableClient{},
		aiOverride: cfg.AIClient,
		logger:     cfg.Logger,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		MaxUploadBytes: cfg.ConfigManager.Get().Uploads.MaxBytes,
	}) {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start starts all components and blocks until the context is cancelled or
// an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.homeDir.EnsureExists(); err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to create home directory: %w", err)
	}

	st, err := store.Open(s.homeDir.DatabasePath())
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st

	blobs, err := blob.NewStore(s.homeDir.BlobPath())
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	s.blobs = blobs

	cfg := s.configMgr.Get()
	q, err := queue.New(st.DB(), queue.Config{
		MaxAttempts:        cfg.Queue.MaxAttempts,
		RetryBase:          time.Duration(cfg.Queue.RetryBaseSeconds) * time.Second,
		StartsPerMinute:    cfg.Queue.StartsPerMinute,
		CompletedRetention: time.Duration(cfg.Queue.CompletedRetentionMinutes) * time.Minute,
		FailedRetention:    time.Duration(cfg.Queue.FailedRetentionMinutes) * time.Minute,
		ReapInterval:       time.Duration(cfg.Queue.ReapIntervalMinutes) * time.Minute,
		Logger:             s.logger,
	})
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to create queue: %w", err)
	}
	s.queue = q

	// Jobs stranded in "running" by a crash go back to queued before the
	// pool starts pulling.
	recovered, err := q.RecoverStalled(ctx)
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to recover stalled jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered stalled jobs", "count", recovered)
	}

	s.reloadAIClient(cfg)
	s.configMgr.OnChange(func(c *config.Config) {
		s.reloadAIClient(c)
		s.logger.Info("ai client reloaded from config")
	})

	pipe := pipeline.New(st, blobs, s.aiClient, q, s.logger)
	pool, err := worker.NewPool(worker.Config{
		Queue:       q,
		JobType:     pipeline.JobType,
		Concurrency: cfg.Queue.Concurrency,
		Handler:     pipe.Handle,
		Logger:      s.logger,
	})
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Start(workerCtx)
	}()
	go q.StartReaper(workerCtx)

	s.services.Store(&svcctx.Services{
		Store:  st,
		Queue:  q,
		Blobs:  blobs,
		Config: s.configMgr,
		Logger: s.logger,
		Home:   s.homeDir,
	})

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			cancelWorkers()
			wg.Wait()
			s.setNotRunning()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown(cancelWorkers, &wg)
}

// shutdown drains the HTTP server first, then the workers; in-flight jobs
// get the shutdown grace period to settle cleanly.
func (s *Server) shutdown(cancelWorkers context.CancelFunc, wg *sync.WaitGroup) error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	cancelWorkers()
	wg.Wait()

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) reloadAIClient(cfg *config.Config) {
	if s.aiOverride != nil {
		s.aiClient.swap(s.aiOverride)
		return
	}
	s.aiClient.swap(genai.NewOpenAIClient(genai.OpenAIConfig{
		APIKey:          config.ResolveEnvVars(cfg.AI.APIKey),
		BaseURL:         cfg.AI.BaseURL,
		ExtractionModel: cfg.AI.ExtractionModel,
		GenerationModel: cfg.AI.GenerationModel,
		MaxRetries:      cfg.AI.MaxRetries,
		Timeout:         time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
	}))
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Store returns the record store. Nil before Start.
func (s *Server) Store() *store.Store {
	return s.store
}

// Queue returns the job queue. Nil before Start.
func (s *Server) Queue() *queue.Queue {
	return s.queue
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svcs := s.services.Load(); svcs != nil {
			ctx = svcctx.WithServices(ctx, svcs)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the store or queue aren't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.services.Load() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}

// reloadableClient is a genai.Client whose backing client can be swapped at
// runtime when the config file changes.
type reloadableClient struct {
	current atomic.Pointer[genai.Client]
}

func (r *reloadableClient) swap(c genai.Client) {
	r.current.Store(&c)
}

func (r *reloadableClient) ExtractWords(ctx context.Context, req *genai.ExtractionRequest) (*genai.ExtractionResult, error) {
	c := r.current.Load()
	if c == nil {
		return nil, errors.New("ai client not configured")
	}
	return (*c).ExtractWords(ctx, req)
}

func (r *reloadableClient) GenerateQuestions(ctx context.Context, req *genai.GenerationRequest) ([]genai.GeneratedQuestion, error) {
	c := r.current.Load()
	if c == nil {
		return nil, errors.New("ai client not configured")
	}
	return (*c).GenerateQuestions(ctx, req)
}
