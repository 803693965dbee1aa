package queue

import (
	"context"
	"sync"
	"time"
)

// StartWindow is a token bucket bounding job starts over a rolling 60 second
// window. It throttles how fast work reaches the upstream generation service,
// independent of the worker pool's concurrency bound: exceeding the window
// delays dequeue, it never drops or errors a job.
type StartWindow struct {
	mu sync.Mutex

	startsPerMinute int
	windowSeconds   float64

	tokens     float64
	lastUpdate time.Time

	totalConsumed int64
	totalWaited   time.Duration
}

// NewStartWindow creates a start window allowing startsPerMinute job starts
// per rolling minute.
func NewStartWindow(startsPerMinute int) *StartWindow {
	if startsPerMinute <= 0 {
		startsPerMinute = 10
	}
	return &StartWindow{
		startsPerMinute: startsPerMinute,
		windowSeconds:   60.0,
		tokens:          float64(startsPerMinute),
		lastUpdate:      time.Now(),
	}
}

// Wait blocks until a start token is available or ctx is cancelled.
func (w *StartWindow) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		w.refill()

		if w.tokens >= 1.0 {
			w.tokens--
			w.totalConsumed++
			w.mu.Unlock()
			return nil
		}

		tokensNeeded := 1.0 - w.tokens
		refillRate := float64(w.startsPerMinute) / w.windowSeconds
		waitTime := time.Duration(tokensNeeded/refillRate*1000) * time.Millisecond
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			w.mu.Lock()
			w.totalWaited += waitTime
			w.mu.Unlock()
		}
	}
}

// TryStart attempts to consume a token without blocking.
func (w *StartWindow) TryStart() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.refill()
	if w.tokens >= 1.0 {
		w.tokens--
		w.totalConsumed++
		return true
	}
	return false
}

// StartWindowStatus reports current window state.
type StartWindowStatus struct {
	TokensAvailable int           `json:"tokens_available"`
	TokensLimit     int           `json:"tokens_limit"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
}

// Status returns current window state.
func (w *StartWindow) Status() StartWindowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.refill()
	return StartWindowStatus{
		TokensAvailable: int(w.tokens),
		TokensLimit:     w.startsPerMinute,
		TotalConsumed:   w.totalConsumed,
		TotalWaited:     w.totalWaited,
	}
}

// refill adds tokens based on elapsed time. Must be called with mu held.
func (w *StartWindow) refill() {
	now := time.Now()
	elapsed := now.Sub(w.lastUpdate).Seconds()
	w.lastUpdate = now

	refillRate := float64(w.startsPerMinute) / w.windowSeconds
	w.tokens += elapsed * refillRate

	if w.tokens > float64(w.startsPerMinute) {
		w.tokens = float64(w.startsPerMinute)
	}
}
