package endpoints

import (
	"github.com/calperry/sheetmill/internal/api"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	// MaxUploadBytes caps worksheet upload size.
	MaxUploadBytes int64
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},

		// Sheet endpoints
		&UploadSheetEndpoint{MaxBytes: cfg.MaxUploadBytes},
		&ListSheetsEndpoint{},
		&GetSheetEndpoint{},
		&RegenerateSheetEndpoint{},
		&DeleteSheetEndpoint{},

		// Queue endpoints
		&ListJobsEndpoint{},
		&GetJobEndpoint{},
	}
}
