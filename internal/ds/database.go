package ds

import "drivesync/internal/model"

// Database records provisioning runs so an operator can see how far a run
// got before cleaning up or retrying.
type Database interface {
	// CreateRun inserts a run in the running state and sets run.Seq.
	CreateRun(run *model.Run) error

	// FinishRun stores the final status, failed step, error message and
	// JSON-encoded result of a run.
	FinishRun(id string, status string, failedStep string, errMsg string, result string) error

	// FindRun returns a run by ID, or nil if it does not exist.
	FindRun(id string) (*model.Run, error)

	// ListRuns returns up to limit runs, newest first.
	ListRuns(limit int) ([]*model.Run, error)

	// MaxRunSeq returns the highest run sequence number, or 0 if there are none.
	MaxRunSeq() (int64, error)

	// BackupTo writes a consistent copy of the database to destPath.
	BackupTo(destPath string) error

	// Close closes the database connection.
	Close() error
}
