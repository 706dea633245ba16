package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"drivesync/internal/ds"
)

// FileSystemArchive is a filesystem-based implementation of the Archive
// interface, typically pointed at a mounted share.
type FileSystemArchive struct {
	name        string
	root        string
	reportsDir  string
	metadataDir string
}

// NewFileSystemArchive creates a new filesystem archive rooted at the given path.
func NewFileSystemArchive(name, root string) (*FileSystemArchive, error) {
	a := &FileSystemArchive{
		name:        name,
		root:        root,
		reportsDir:  filepath.Join(root, reportsDir),
		metadataDir: filepath.Join(root, metadataDir),
	}

	for _, dir := range []string{a.reportsDir, a.metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	return a, nil
}

// PutReport stores a report, replacing any report with the same name.
func (a *FileSystemArchive) PutReport(name string, r io.Reader, size int64) error {
	if err := checkName(name); err != nil {
		return err
	}
	return writeFile(filepath.Join(a.root, filepath.FromSlash(reportKey(name))), r, size)
}

// GetReport writes a stored report to w.
func (a *FileSystemArchive) GetReport(name string, w io.Writer) error {
	if err := checkName(name); err != nil {
		return err
	}
	return readFile(filepath.Join(a.root, filepath.FromSlash(reportKey(name))), w, "report "+name)
}

// PutMetadata stores metadata for a specific host along with a version marker.
func (a *FileSystemArchive) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	if err := checkName(hostID); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}

	destPath := filepath.Join(a.root, filepath.FromSlash(metadataKey(hostID, name)))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	if err := writeFile(destPath, r, size); err != nil {
		return err
	}

	versionData := strconv.FormatInt(version, 10)
	return writeFile(destPath+".version", strings.NewReader(versionData), int64(len(versionData)))
}

// GetMetadataVersion returns the metadata version for a named item on a host.
// Returns 0 if no version file exists.
func (a *FileSystemArchive) GetMetadataVersion(hostID string, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(a.root, filepath.FromSlash(versionKey(hostID, name))))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	return parseVersion(data)
}

// ValidateSetup verifies that the archive directories are accessible.
func (a *FileSystemArchive) ValidateSetup() error {
	for _, dir := range []string{a.root, a.reportsDir, a.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("archive directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("archive path is not a directory: %s", dir)
		}
	}
	return nil
}

// checkName rejects names that would escape the archive layout.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid archive name %q", name)
	}
	return nil
}

func parseVersion(data []byte) (int64, error) {
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// writeFile writes data from r to destPath via a temp file and rename, so
// readers never see a partial file.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func readFile(srcPath string, w io.Writer, what string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

// Compile-time check that FileSystemArchive implements ds.Archive
var _ ds.Archive = (*FileSystemArchive)(nil)
