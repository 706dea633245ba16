package ds

import "io"

// Archive stores provisioning reports and history snapshots off-host.
// Streams are used throughout so backends never buffer whole objects they
// do not need to.
type Archive interface {
	// PutReport stores a run's report under name (e.g. "<runID>.json").
	// size is the number of bytes that will be read from r.
	PutReport(name string, r io.Reader, size int64) error

	// GetReport retrieves a stored report and writes it to w.
	GetReport(name string, w io.Writer) error

	// PutMetadata stores a named metadata item for a host with a version
	// marker. The run history database is stored as "history.db".
	PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadataVersion returns the stored version of a metadata item, or 0
	// if nothing has been stored.
	GetMetadataVersion(hostID string, name string) (int64, error)

	// ValidateSetup verifies that the archive is reachable and writable.
	ValidateSetup() error
}
