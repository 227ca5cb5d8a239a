// Package backup creates, indexes, deduplicates and retires timestamped
// snapshots of the local configuration tree. Every mutating sync operation is
// preceded by a snapshot, so any failure is recoverable by undo or restore.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/fingerprint"
	"github.com/confsync/confsync/internal/utils"
)

const (
	timestampFormat = "20060102_150405"

	backupInfix = ".backup."
	latestName  = "latest"
	undoName    = "undo"
)

// ErrNothingToUndo is returned by Undo when no undo marker is live.
var ErrNothingToUndo = errors.New("nothing to undo")

// Info describes one retained backup.
type Info struct {
	// ID is the timestamp-derived directory suffix, unique per backup.
	ID string
	// Path is the backup tree location.
	Path string
	// Time the snapshot was taken.
	Time time.Time
}

// undoMarker stores the single backup path that one level of undo restores.
type undoMarker struct {
	BackupPath string    `json:"backup_path"`
	SavedAt    time.Time `json:"saved_at"`
}

// Manager owns the backup trees next to the local configuration tree.
type Manager struct {
	localDir string
	catalog  catalog.Catalog
	now      func() time.Time
}

func NewManager(localDir string, cat catalog.Catalog) *Manager {
	return &Manager{
		localDir: localDir,
		catalog:  cat,
		now:      time.Now,
	}
}

func (m *Manager) backupPrefix() string {
	return m.localDir + backupInfix
}

// LatestAliasPath is the mutable "latest" symlink slot.
func (m *Manager) LatestAliasPath() string {
	return m.backupPrefix() + latestName
}

// UndoMarkerPath is the single-level undo marker file.
func (m *Manager) UndoMarkerPath() string {
	return m.backupPrefix() + undoName
}

// Snapshot copies the local tree to a new timestamp-named backup, updates the
// "latest" alias and writes the undo marker. When the local tree does not
// exist this is a no-op reporting nothing to back up, not an error.
func (m *Manager) Snapshot() (*Info, error) {
	if !utils.DirExists(m.localDir) {
		slog.Info("nothing to back up", "dir", m.localDir)
		return nil, nil
	}

	dest := m.uniqueBackupPath(m.now())
	if err := utils.CopyTree(m.localDir, dest); err != nil {
		os.RemoveAll(dest)
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	if err := m.retargetAlias(dest); err != nil {
		return nil, err
	}
	if err := m.writeUndoMarker(dest); err != nil {
		return nil, err
	}

	info := m.infoFor(dest)
	slog.Info("backup created", "id", info.ID, "path", dest)
	return &info, nil
}

// DropIfRedundant compares the just-created backup against the previous
// retained one using only cataloged items. When every cataloged fingerprint
// matches, the new backup is deleted, the alias retargeted back, and the undo
// marker cleared if it pointed at the deleted backup. Returns true when
// dropped.
func (m *Manager) DropIfRedundant(cur *Info) (bool, error) {
	if cur == nil {
		return false, nil
	}

	backups, err := m.List()
	if err != nil {
		return false, err
	}

	var prev *Info
	for i := range backups {
		if backups[i].Path == cur.Path && i > 0 {
			prev = &backups[i-1]
		}
	}
	if prev == nil {
		return false, nil
	}

	same, err := m.sameCatalogContent(cur.Path, prev.Path)
	if err != nil {
		return false, err
	}
	if !same {
		return false, nil
	}

	if err := m.retargetAlias(prev.Path); err != nil {
		return false, err
	}
	if marker, _ := m.readUndoMarker(); marker != nil && marker.BackupPath == cur.Path {
		if err := m.clearUndoMarker(); err != nil {
			return false, err
		}
	}
	if err := os.RemoveAll(cur.Path); err != nil {
		return false, fmt.Errorf("drop redundant backup: %w", err)
	}

	slog.Info("backup redundant, dropped", "id", cur.ID, "kept", prev.ID)
	return true, nil
}

// List returns all retained backups, oldest first.
func (m *Manager) List() ([]Info, error) {
	parent := filepath.Dir(m.localDir)
	entries, err := os.ReadDir(parent)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	prefix := filepath.Base(m.backupPrefix())
	var backups []Info
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !entry.IsDir() {
			continue
		}
		suffix := strings.TrimPrefix(name, prefix)
		if suffix == latestName || suffix == undoName {
			continue
		}
		ts, err := time.ParseInLocation(timestampFormat, firstN(suffix, len(timestampFormat)), time.Local)
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			ID:   suffix,
			Path: filepath.Join(parent, name),
			Time: ts,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].Time.Equal(backups[j].Time) {
			return backupSeq(backups[i].ID) < backupSeq(backups[j].ID)
		}
		return backups[i].Time.Before(backups[j].Time)
	})
	return backups, nil
}

// backupSeq extracts the same-second collision counter from an id, so that
// "_10" orders after "_9" instead of lexicographically before it. Ids without
// a counter rank first.
func backupSeq(id string) int {
	if len(id) <= len(timestampFormat) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id[len(timestampFormat):], "_"))
	if err != nil {
		return 0
	}
	return n
}

// Find resolves a backup id to its Info.
func (m *Manager) Find(id string) (*Info, error) {
	backups, err := m.List()
	if err != nil {
		return nil, err
	}
	for i := range backups {
		if backups[i].ID == id {
			return &backups[i], nil
		}
	}
	return nil, fmt.Errorf("no such backup: %s", id)
}

// Restore replaces the local tree wholesale with the backup contents.
// The current state is snapshotted first, so restoring is itself undoable.
func (m *Manager) Restore(id string) error {
	target, err := m.Find(id)
	if err != nil {
		return err
	}
	return m.restorePath(target.Path)
}

// Undo consumes the undo marker and restores the backup it references.
func (m *Manager) Undo() (*Info, error) {
	marker, err := m.readUndoMarker()
	if err != nil {
		return nil, err
	}
	if marker == nil {
		return nil, ErrNothingToUndo
	}
	if !utils.DirExists(marker.BackupPath) {
		return nil, fmt.Errorf("undo target missing: %s", marker.BackupPath)
	}

	info := m.infoFor(marker.BackupPath)
	if err := m.restorePath(marker.BackupPath); err != nil {
		return nil, err
	}
	return &info, nil
}

func (m *Manager) restorePath(backupPath string) error {
	// Snapshot first: the pre-restore tree becomes the new undo target.
	if _, err := m.Snapshot(); err != nil {
		return fmt.Errorf("pre-restore snapshot: %w", err)
	}

	if err := os.RemoveAll(m.localDir); err != nil {
		return fmt.Errorf("clear local tree: %w", err)
	}
	if err := utils.CopyTree(backupPath, m.localDir); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	slog.Info("restored", "from", backupPath, "to", m.localDir)
	return nil
}

// TreeSize returns the aggregate regular-file size of a backup tree.
func TreeSize(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func (m *Manager) infoFor(path string) Info {
	id := strings.TrimPrefix(filepath.Base(path), filepath.Base(m.backupPrefix()))
	ts, err := time.ParseInLocation(timestampFormat, firstN(id, len(timestampFormat)), time.Local)
	if err != nil {
		ts = m.now()
	}
	return Info{ID: id, Path: path, Time: ts}
}

// sameCatalogContent compares two trees over cataloged items only, ignoring
// any ancillary subtrees the local tree may carry.
func (m *Manager) sameCatalogContent(a, b string) (bool, error) {
	for _, it := range m.catalog {
		fpA, err := fingerprint.ForItem(a, it)
		if err != nil {
			return false, err
		}
		fpB, err := fingerprint.ForItem(b, it)
		if err != nil {
			return false, err
		}
		if (fpA == nil) != (fpB == nil) {
			return false, nil
		}
		if fpA != nil && !fpA.Equal(fpB) {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) writeUndoMarker(backupPath string) error {
	marker := undoMarker{BackupPath: backupPath, SavedAt: m.now().UTC()}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("encode undo marker: %w", err)
	}
	if err := os.WriteFile(m.UndoMarkerPath(), data, 0o644); err != nil {
		return fmt.Errorf("write undo marker: %w", err)
	}
	return nil
}

func (m *Manager) readUndoMarker() (*undoMarker, error) {
	data, err := os.ReadFile(m.UndoMarkerPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read undo marker: %w", err)
	}
	var marker undoMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("parse undo marker: %w", err)
	}
	return &marker, nil
}

func (m *Manager) clearUndoMarker() error {
	if err := os.Remove(m.UndoMarkerPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear undo marker: %w", err)
	}
	return nil
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
