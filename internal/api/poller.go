package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stage is the client-facing progress vocabulary. The server only exposes a
// coarse four-value status; the poller interpolates the rest.
type Stage string

const (
	StageUploading  Stage = "uploading"
	StageExtracting Stage = "extracting"
	StageGenerating Stage = "generating"
	StageFinalizing Stage = "finalizing"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// Progress is one progress observation delivered to the caller.
type Progress struct {
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// ErrUploadInFlight is returned when an upload is attempted while another
// upload from the same poller is still running.
var ErrUploadInFlight = errors.New("an upload is already in progress")

// ErrPollTimeout is returned when the sheet hasn't reached a terminal status
// within the attempt ceiling.
var ErrPollTimeout = errors.New("timed out waiting for processing to finish")

// sheetView is the subset of the sheet response the poller cares about.
type sheetView struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// PollerConfig tunes a Poller. Zero values take the defaults noted per field.
type PollerConfig struct {
	// Interval between status fetches (default 2s).
	Interval time.Duration
	// MaxAttempts is the overall poll ceiling (default 150, about 5 minutes).
	MaxAttempts int
	// MaxTransportFailures is how many consecutive transport-level failures
	// are tolerated before giving up early (default 5). Business errors
	// (FAILED sheets) don't count; a persistently broken connection should
	// not burn the full five-minute budget.
	MaxTransportFailures int
	// BackoffCap bounds the exponential backoff between transport retries
	// (default 30s).
	BackoffCap time.Duration
	// OnProgress, if set, receives every progress observation.
	OnProgress func(Progress)
}

func (c *PollerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 150
	}
	if c.MaxTransportFailures <= 0 {
		c.MaxTransportFailures = 5
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// Poller watches a sheet's status until it reaches a terminal state,
// translating coarse server status into staged progress estimates.
type Poller struct {
	client *Client
	cfg    PollerConfig

	mu        sync.Mutex
	uploading bool
}

// NewPoller creates a poller over an API client.
func NewPoller(client *Client, cfg PollerConfig) *Poller {
	cfg.applyDefaults()
	return &Poller{client: client, cfg: cfg}
}

// UploadAndWatch uploads a worksheet and polls it to a terminal state.
// Single-flight: a second call while one is running is rejected with
// ErrUploadInFlight rather than queued, so a double-clicked upload button
// can't create two sheets.
func (p *Poller) UploadAndWatch(ctx context.Context, fileName string, content []byte, fields map[string]string) (*Progress, error) {
	p.mu.Lock()
	if p.uploading {
		p.mu.Unlock()
		return nil, ErrUploadInFlight
	}
	p.uploading = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.uploading = false
		p.mu.Unlock()
	}()

	p.emit(Progress{Stage: StageUploading, Percent: 0})

	var created sheetView
	if err := p.client.Upload(ctx, "/api/v1/sheets", "file", fileName, content, fields, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, errors.New("upload response did not include a sheet id")
	}
	p.emit(Progress{Stage: StageUploading, Percent: 20})

	return p.Watch(ctx, created.ID)
}

// Watch polls an existing sheet until COMPLETED or FAILED, the attempt
// ceiling is reached, or ctx is cancelled. The returned Progress is the
// terminal observation; for failed sheets its Message is the classified
// user-facing category, not the raw server message.
func (p *Poller) Watch(ctx context.Context, sheetID string) (*Progress, error) {
	path := "/api/v1/sheets/" + sheetID
	transportFailures := 0

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		var sheet sheetView
		err := p.client.Get(ctx, path, &sheet)

		var terr *TransportError
		if errors.As(err, &terr) {
			transportFailures++
			if transportFailures >= p.cfg.MaxTransportFailures {
				return nil, fmt.Errorf("giving up after %d consecutive connection failures: %w", transportFailures, terr)
			}
			if err := sleepCtx(ctx, p.transportBackoff(transportFailures)); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			// Business error from the server (404, 500 with a body).
			return nil, err
		}
		transportFailures = 0

		progress := p.estimate(sheet, attempt)
		p.emit(progress)

		switch progress.Stage {
		case StageComplete, StageError:
			return &progress, nil
		}

		if err := sleepCtx(ctx, p.cfg.Interval); err != nil {
			return nil, err
		}
	}

	return nil, ErrPollTimeout
}

// estimate maps server status plus elapsed attempts onto a stage and
// percentage. The percentage is a client-side guess: processing time is
// dominated by the generation service, whose latency the server doesn't
// report, so elapsed time is the best available proxy.
func (p *Poller) estimate(sheet sheetView, attempt int) Progress {
	switch sheet.Status {
	case "completed":
		return Progress{Stage: StageComplete, Percent: 100}
	case "failed":
		return Progress{Stage: StageError, Percent: 100, Message: ClassifyFailure(sheet.ErrorMessage)}
	}

	// 20-95, interpolated across the attempt budget.
	percent := 20 + attempt*75/p.cfg.MaxAttempts
	if percent > 95 {
		percent = 95
	}

	stage := StageExtracting
	if sheet.Status == "processing" {
		stage = StageGenerating
		if percent >= 80 {
			stage = StageFinalizing
		}
	}
	return Progress{Stage: stage, Percent: percent}
}

func (p *Poller) transportBackoff(failures int) time.Duration {
	d := p.cfg.Interval << (failures - 1)
	if d > p.cfg.BackoffCap {
		d = p.cfg.BackoffCap
	}
	return d
}

func (p *Poller) emit(progress Progress) {
	if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(progress)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ClassifyFailure maps a raw pipeline error message onto a small set of
// user-facing categories by keyword. Advisory only: unknown messages fall
// through truncated, not hidden.
func ClassifyFailure(message string) string {
	lower := strings.ToLower(message)
	switch {
	case message == "":
		return "Processing failed for an unknown reason."
	case strings.Contains(lower, "no words") || strings.Contains(lower, "no content"):
		return "No usable content was found on the worksheet."
	case strings.Contains(lower, "too large") || strings.Contains(lower, "exceeds"):
		return "The uploaded file is too large."
	case strings.Contains(lower, "unsupported") || strings.Contains(lower, "invalid file") || strings.Contains(lower, "file type"):
		return "The uploaded file type is not supported."
	case strings.Contains(lower, "unavailable") || strings.Contains(lower, "timeout") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "service"):
		return "The AI service had a problem. Try again in a few minutes."
	case strings.Contains(lower, "quality") || strings.Contains(lower, "unreadable") || strings.Contains(lower, "blurry"):
		return "The image quality was too low to read. Try a clearer photo."
	default:
		return "Processing failed: " + truncate(message, 120)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
