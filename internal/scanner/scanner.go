// Package scanner lists the images of a single folder in natural order.
package scanner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"folder_to_pdf/internal/natural"
)

// ErrNotADirectory is returned when the source path is missing or is not a directory.
var ErrNotADirectory = errors.New("not a directory")

// Extensions is the allow-list of image extensions, matched case-insensitively.
var Extensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"}

// ImageFile is one image found in the scanned folder.
type ImageFile struct {
	Path string // Full path to the file
	Name string // Base name, used for ordering and display
}

// IsImageName reports whether name ends with one of the allowed extensions.
func IsImageName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Scan returns the images directly inside dir, sorted naturally by name.
// An empty result is not an error; callers decide what no images means.
func Scan(dir string) ([]ImageFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotADirectory, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not read directory %s: %w", dir, err)
	}

	files := make([]ImageFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !IsImageName(name) {
			continue
		}
		path := filepath.Join(dir, name)
		// os.Stat follows symlinks, so a link counts as whatever it points at.
		fi, err := os.Stat(path)
		if err != nil {
			slog.Debug("Skipping unreadable directory entry", "path", path, "error", err)
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, ImageFile{Path: path, Name: name})
	}

	slices.SortFunc(files, func(a, b ImageFile) int {
		return natural.Compare(a.Name, b.Name)
	})

	slog.Debug("Scanned image folder", "dir", dir, "entries", len(entries), "images", len(files))
	return files, nil
}
