package model

import "time"

// Run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Run records one provisioning invocation and how far it got.
type Run struct {
	Seq             int64  // auto-increment, used as the history snapshot version
	ID              string // UUID
	ProjectName     string
	NASPath         string
	DriveFolderID   string
	DriveFolderName string
	StartedAt       time.Time
	FinishedAt      *time.Time
	Status          string // running, success or failed
	FailedStep      string // empty unless a fatal step stopped the run
	Error           string
	Result          string // JSON-encoded provisioning result
}

// Finished reports whether the run has a final status.
func (r *Run) Finished() bool {
	return r.Status != RunStatusRunning
}
