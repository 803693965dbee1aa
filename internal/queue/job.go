// Package queue is a durable, at-least-once job queue backed by the same
// sqlite database as the record store. Jobs survive process restarts, retry
// with exponential backoff up to an attempt ceiling, and are reaped after a
// retention window once terminal.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the current state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Action selects which pipeline mode a job runs.
type Action string

const (
	ActionProcess    Action = "process"
	ActionRegenerate Action = "regenerate"
)

// Job is a queue row. Queue-internal bookkeeping, not business data.
type Job struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	JobType     string     `gorm:"size:64;index;not null" json:"job_type"`
	Payload     string     `gorm:"size:2048" json:"payload"`
	Status      Status     `gorm:"size:16;index;not null" json:"status"`
	Attempts    int        `gorm:"not null" json:"attempts"`
	MaxAttempts int        `gorm:"not null" json:"max_attempts"`
	Progress    int        `gorm:"not null" json:"progress"`
	Error       string     `gorm:"size:1024" json:"error,omitempty"`
	RunAt       time.Time  `gorm:"index" json:"run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TableName keeps queue rows clearly separated from business tables.
func (Job) TableName() string {
	return "queue_jobs"
}

// Payload is the job payload for the sheet pipeline.
type Payload struct {
	SheetID string `json:"sheet_id"`
	Action  Action `json:"action,omitempty"`
}

// Marshal serializes the payload for storage.
func (p Payload) Marshal() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(b), nil
}

// ParsePayload deserializes a stored payload. A missing action defaults to
// "process".
func ParsePayload(s string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("failed to parse payload: %w", err)
	}
	if p.Action == "" {
		p.Action = ActionProcess
	}
	return p, nil
}
