package export

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/utils/v4/fs"
)

// Within reports whether path lies inside dir, comparing cleaned absolute paths.
func Within(dir, path string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, errors.Trace(err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, errors.Trace(err)
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// Relocate moves path into dir, keeping its base name, and returns the new path.
// An existing file of the same name is replaced.
func Relocate(path, dir string) (string, error) {
	target := filepath.Join(dir, filepath.Base(path))
	err := os.Rename(path, target)
	if err == nil {
		return target, nil
	}
	if !stderrors.Is(err, syscall.EXDEV) {
		return "", errors.Annotatef(err, "moving %q to %q", path, dir)
	}
	if err := copyAndRemove(path, target); err != nil {
		return "", errors.Annotatef(err, "moving %q to %q", path, dir)
	}
	return target, nil
}

// copyAndRemove moves src to dst by copying. os.Rename won't work across partitions.
func copyAndRemove(src, dst string) error {
	// fs.Copy will not overwrite.
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	if err := fs.Copy(src, dst); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Remove(src))
}
