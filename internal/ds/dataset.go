package ds

import "strings"

// mountPrefix is where the appliance mounts pools on its filesystem.
const mountPrefix = "/mnt/"

// DatasetName maps a mounted filesystem path to the appliance's dataset name
// by stripping a leading "/mnt/". Other paths are returned unchanged; no
// further validation is done here, a malformed name surfaces as an API error.
func DatasetName(path string) string {
	return strings.TrimPrefix(path, mountPrefix)
}
