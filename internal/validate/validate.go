// Package validate inspects files and directories before they are trusted as
// a sync source. Zero-length files signal the shared-storage provider
// mid-transfer; malformed structured files signal a torn or partial write.
// Validation always runs on the source side, before any destination mutation.
package validate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/confsync/confsync/internal/catalog"
)

var (
	// ErrEmpty marks a zero-length source file.
	ErrEmpty = errors.New("file is empty")
	// ErrMalformed marks a structured source file that does not parse.
	ErrMalformed = errors.New("malformed structured file")
)

// Item validates the catalog item rooted at path. A missing item is valid:
// absence is handled by the transfer engine, not the validator.
func Item(path string, it catalog.Item) error {
	switch it.Kind {
	case catalog.KindFile:
		return file(path, it.Structured)
	case catalog.KindDir:
		return dir(path)
	default:
		return fmt.Errorf("unknown item kind for %q", it.Name)
	}
}

func file(path string, structured bool) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		return fmt.Errorf("%s: %w", path, ErrEmpty)
	}

	if structured || isStructuredName(path) {
		return validJSON(path)
	}
	return nil
}

// dir fails on any zero-length contained file and parses every contained
// structured file. Symlinks are not followed.
func dir(path string) error {
	if !dirExists(path) {
		return nil
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("%s: %w", p, ErrEmpty)
		}
		if isStructuredName(p) {
			if err := validJSON(p); err != nil {
				return err
			}
		}
		return nil
	})
}

func validJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%s: %w", path, ErrMalformed)
	}
	return nil
}

func isStructuredName(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
