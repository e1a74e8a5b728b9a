// Package atomicfile writes files through a temporary sibling that is
// renamed into place, so readers never see a partially written file.
package atomicfile

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Write creates the parent directory of path if needed, calls encode with
// a temporary file next to path and renames it to path once encode
// succeeds. On any error path is left untouched and the temporary file is
// removed.
func Write(path string, encode func(w io.Writer) error) error {
	if path == "" {
		return errors.New("empty path")
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", path)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err := encode(tmpFile); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		klog.Warningf("sync temp file %s: %v", tmpName, err)
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "close temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename temp file to %s", path)
	}
	return nil
}
