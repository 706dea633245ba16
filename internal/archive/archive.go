// Package archive stores provisioning reports and run history snapshots
// outside the host. Every backend uses the same layout:
//
//	<prefix>/
//	  reports/
//	    <runID>.json[.age]
//	  metadata/
//	    <hostID>/
//	      history.db
//	      history.db.version
package archive

import (
	"errors"
	"path"
)

// ErrNotFound is returned when a report or metadata item does not exist.
var ErrNotFound = errors.New("not found in archive")

const (
	reportsDir  = "reports"
	metadataDir = "metadata"
)

func reportKey(name string) string {
	return path.Join(reportsDir, name)
}

func metadataKey(hostID, name string) string {
	return path.Join(metadataDir, hostID, name)
}

func versionKey(hostID, name string) string {
	return metadataKey(hostID, name) + ".version"
}
