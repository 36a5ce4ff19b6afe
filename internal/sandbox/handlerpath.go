package sandbox

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
)

// DefaultExtension is appended to handler paths without a recognized extension.
const DefaultExtension = ".exe"

// RecognizedExtensions lists the handler program extensions the launcher knows how to run.
var RecognizedExtensions = []string{".exe", ".sh", ".py", ".js"}

// ResolveHandlerPath normalizes a handler program path and verifies it exists on fs.
// Paths without a recognized extension get DefaultExtension appended.
func ResolveHandlerPath(fs afero.Fs, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrHandlerNotFound)
	}
	if !slices.Contains(RecognizedExtensions, filepath.Ext(path)) {
		path += DefaultExtension
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	ok, err := afero.Exists(fs, abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", abs, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHandlerNotFound, abs)
	}
	isDir, err := afero.IsDir(fs, abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", abs, err)
	}
	if isDir {
		return "", fmt.Errorf("%w: %s is a directory", ErrHandlerNotFound, abs)
	}
	return abs, nil
}
