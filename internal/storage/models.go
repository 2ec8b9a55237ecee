package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunSummary is the listing view of an imported run, without its data.
type RunSummary struct {
	ID         string    `json:"runId"`
	JourneyID  string    `json:"journeyId"`
	Name       string    `json:"name"`
	StepCount  int       `json:"stepCount"`
	SpanMs     int64     `json:"spanMs"`
	ImportedAt time.Time `json:"importedAt"`
}

type ShareLink struct {
	Token     string
	JourneyID string
	RunID     string
	Expiry    string // "1h", "24h", "7d" or "30d"
	CreatedAt time.Time
	ExpiresAt time.Time
}

type ExportRecord struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	JobID     string    `json:"jobId,omitempty"`
	Format    string    `json:"format"`
	Filename  string    `json:"filename,omitempty"`
	URL       string    `json:"url,omitempty"`
	Size      int64     `json:"size"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
