// Package inspect loads a model from its configuration, prints diagnostics
// about it and saves it through the model's own save routine.
package inspect

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("yolov8.inspect")

// MaxSearchDepth bounds how many directories below the search root Locate descends.
const MaxSearchDepth = 6

var errFound = stderrors.New("found")

// Locate returns path if it exists. Otherwise it walks root in lexical order
// for a file with the same base name and returns the first match. Hidden and
// underscore-prefixed directories are skipped.
func Locate(path, root string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if root == "" {
		root = "."
	}
	logger.Warningf("%s not found, searching under %s", path, root)

	base := filepath.Base(path)
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			logger.Debugf("skipping %s: %v", p, err)
			return nil
		}
		if d.IsDir() {
			if p == root {
				return nil
			}
			if skipDir(d.Name()) || depth(root, p) > MaxSearchDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == base {
			found = p
			return errFound
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, errFound) {
		return "", errors.Annotatef(err, "searching %q", root)
	}
	if found == "" {
		return "", errors.NotFoundf("%s under %s", base, root)
	}
	logger.Infof("found %s", found)
	return found, nil
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// depth counts the directories between root and p; a direct child has depth 1.
func depth(root, p string) int {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
