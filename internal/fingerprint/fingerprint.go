// Package fingerprint computes content-identity summaries for tracked items.
// Fingerprints are recomputed on demand and never cached across a sync cycle.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/confsync/confsync/internal/catalog"
)

// File identifies a single file by size, modification time and SHA-256 digest.
type File struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	Digest  string    `json:"sha256"`
}

// Dir identifies a directory subtree by file count, aggregate size and a
// per-relative-path digest map. Symbolic links and other non-regular entries
// are skipped, not followed. ModTime is the most recent contained file mtime;
// it informs conflict decisions and is not part of equality.
type Dir struct {
	FileCount int               `json:"file_count"`
	TotalSize int64             `json:"total_size"`
	Files     map[string]string `json:"files"`
	ModTime   time.Time         `json:"mtime"`
}

// Fingerprint is a tagged union over File and Dir, matching the item kind.
type Fingerprint struct {
	File *File `json:"file,omitempty"`
	Dir  *Dir  `json:"dir,omitempty"`
}

// ForItem computes the fingerprint of a catalog item under root.
// A missing item yields (nil, nil): absence is not an error.
func ForItem(root string, it catalog.Item) (*Fingerprint, error) {
	path := filepath.Join(root, it.Name)

	switch it.Kind {
	case catalog.KindFile:
		fp, err := forFile(path)
		if err != nil {
			return nil, err
		}
		if fp == nil {
			return nil, nil
		}
		return &Fingerprint{File: fp}, nil
	case catalog.KindDir:
		fp, err := forDir(path)
		if err != nil {
			return nil, err
		}
		if fp == nil {
			return nil, nil
		}
		return &Fingerprint{Dir: fp}, nil
	default:
		return nil, fmt.Errorf("unknown item kind for %q", it.Name)
	}
}

func forFile(path string) (*File, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	digest, err := FileDigest(path)
	if err != nil {
		return nil, err
	}

	return &File{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Digest:  digest,
	}, nil
}

// forDir walks the subtree once, collecting a relative-path digest map.
func forDir(path string) (*Dir, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}

	dir := &Dir{Files: make(map[string]string)}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			// Symlinks and other special entries are skipped, never expanded.
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}

		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		digest, err := FileDigest(p)
		if err != nil {
			return err
		}

		dir.Files[rel] = digest
		dir.FileCount++
		dir.TotalSize += fi.Size()
		if fi.ModTime().After(dir.ModTime) {
			dir.ModTime = fi.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fingerprint walk %s: %w", path, err)
	}

	return dir, nil
}

// FileDigest returns the SHA-256 digest of a file as a hex string.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Equal reports content equality. For files this is size + digest; for
// directories file count, aggregate size and the full digest map. Modification
// times are deliberately excluded: providers rewrite them on materialization,
// so they inform conflict decisions but never identity.
func (f *Fingerprint) Equal(other *Fingerprint) bool {
	if f == nil || other == nil {
		return f == other
	}
	switch {
	case f.File != nil && other.File != nil:
		return f.File.Size == other.File.Size && f.File.Digest == other.File.Digest
	case f.Dir != nil && other.Dir != nil:
		return f.Dir.FileCount == other.Dir.FileCount &&
			f.Dir.TotalSize == other.Dir.TotalSize &&
			maps.Equal(f.Dir.Files, other.Dir.Files)
	default:
		return false
	}
}

// ModTime returns the relevant modification time for conflict decisions:
// the file mtime, or the newest contained file mtime for directories.
func (f *Fingerprint) ModTime() time.Time {
	switch {
	case f == nil:
		return time.Time{}
	case f.File != nil:
		return f.File.ModTime
	case f.Dir != nil:
		return f.Dir.ModTime
	default:
		return time.Time{}
	}
}
