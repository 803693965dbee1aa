package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/calperry/sheetmill/internal/queue"
)

func newTestQueue(t *testing.T, cfg queue.Config) *queue.Queue {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "queue.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	q, err := queue.New(db, cfg)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return q
}

// startPool runs pool.Start in the background and returns a cancel that
// blocks until the pool has drained.
func startPool(t *testing.T, pool *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not drain after cancel")
		}
	}
}

// waitForTerminal polls until the job leaves the queue's active states.
func waitForTerminal(t *testing.T, q *queue.Queue, jobID string) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if job.Status == queue.StatusCompleted || job.Status == queue.StatusFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestPool_ExecutesJobs(t *testing.T) {
	q := newTestQueue(t, queue.Config{StartsPerMinute: 1000})

	var mu sync.Mutex
	seen := make(map[string]bool)
	pool, err := NewPool(Config{
		Queue:   q,
		JobType: "test-job",
		Handler: func(ctx context.Context, job *queue.Job) error {
			payload, err := queue.ParsePayload(job.Payload)
			if err != nil {
				return err
			}
			mu.Lock()
			seen[payload.SheetID] = true
			mu.Unlock()
			return nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	ctx := context.Background()
	ids := make([]string, 0, 5)
	for _, sheet := range []string{"s1", "s2", "s3", "s4", "s5"} {
		id, err := q.Enqueue(ctx, "test-job", queue.Payload{SheetID: sheet})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	stop := startPool(t, pool)
	defer stop()

	for _, id := range ids {
		job := waitForTerminal(t, q, id)
		if job.Status != queue.StatusCompleted {
			t.Errorf("job %s: expected completed, got %s (%s)", id, job.Status, job.Error)
		}
		if job.Progress != 100 {
			t.Errorf("job %s: expected progress 100, got %d", id, job.Progress)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Errorf("handler saw %d distinct sheets, want 5", len(seen))
	}
}

func TestPool_ConcurrencyBound(t *testing.T) {
	q := newTestQueue(t, queue.Config{StartsPerMinute: 1000})

	var mu sync.Mutex
	running, peak := 0, 0
	pool, err := NewPool(Config{
		Queue:       q,
		JobType:     "test-job",
		Concurrency: 2,
		Handler: func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	ctx := context.Background()
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id, err := q.Enqueue(ctx, "test-job", queue.Payload{SheetID: "sheet"})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	stop := startPool(t, pool)
	defer stop()

	for _, id := range ids {
		waitForTerminal(t, q, id)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("observed %d concurrent handlers, bound is 2", peak)
	}
	if peak < 1 {
		t.Error("no handler ever ran")
	}
}

func TestPool_PanicFailsJob(t *testing.T) {
	q := newTestQueue(t, queue.Config{StartsPerMinute: 1000, MaxAttempts: 1})

	pool, err := NewPool(Config{
		Queue:   q,
		JobType: "test-job",
		Handler: func(ctx context.Context, job *queue.Job) error {
			panic("boom")
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "test-job", queue.Payload{SheetID: "s1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	stop := startPool(t, pool)
	defer stop()

	job := waitForTerminal(t, q, id)
	if job.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.Contains(job.Error, "handler panic") {
		t.Errorf("unexpected error message: %q", job.Error)
	}
}

func TestPool_PermanentErrorFailsImmediately(t *testing.T) {
	q := newTestQueue(t, queue.Config{StartsPerMinute: 1000})

	var calls int32
	var mu sync.Mutex
	pool, err := NewPool(Config{
		Queue:   q,
		JobType: "test-job",
		Handler: func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return queue.Permanent(errors.New("unreadable upload"))
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "test-job", queue.Payload{SheetID: "s1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	stop := startPool(t, pool)
	defer stop()

	job := waitForTerminal(t, q, id)
	if job.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("permanent error should not be retried, saw %d attempts", job.Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestPool_DrainsOnCancel(t *testing.T) {
	q := newTestQueue(t, queue.Config{StartsPerMinute: 1000})

	pool, err := NewPool(Config{
		Queue:   q,
		JobType: "test-job",
		Handler: func(ctx context.Context, job *queue.Job) error { return nil },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	// No jobs enqueued: workers are blocked in Dequeue. Cancel must still
	// bring Start back promptly; startPool's cancel fails the test if not.
	stop := startPool(t, pool)
	time.Sleep(20 * time.Millisecond)
	stop()
}

func TestNewPool_Validation(t *testing.T) {
	q := newTestQueue(t, queue.Config{})
	handler := func(ctx context.Context, job *queue.Job) error { return nil }

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing queue", Config{JobType: "t", Handler: handler}},
		{"missing job type", Config{Queue: q, Handler: handler}},
		{"missing handler", Config{Queue: q, JobType: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPool(tt.cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}

	t.Run("default concurrency", func(t *testing.T) {
		pool, err := NewPool(Config{Queue: q, JobType: "t", Handler: handler})
		if err != nil {
			t.Fatalf("NewPool failed: %v", err)
		}
		if pool.concurrency != 2 {
			t.Errorf("default concurrency = %d, want 2", pool.concurrency)
		}
	})
}
