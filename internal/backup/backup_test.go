package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	parent := t.TempDir()
	local := filepath.Join(parent, "conf")
	m := NewManager(local, catalog.Default())
	return m, local
}

func seedTree(t *testing.T, local, settings string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "skills"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "settings.json"), []byte(settings), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "skills", "a.md"), []byte("alpha"), 0o644))
}

// fakeClock hands out strictly increasing timestamps one second apart so
// consecutive snapshots get distinct ids.
func fakeClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestSnapshot_MissingTreeIsNoop(t *testing.T) {
	m, _ := newTestManager(t)

	info, err := m.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, info)

	backups, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestSnapshot_CreatesBackupAliasAndMarker(t *testing.T) {
	m, local := newTestManager(t)
	m.now = fakeClock(time.Now())
	seedTree(t, local, `{"a":1}`)

	info, err := m.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, utils.DirExists(info.Path))
	assert.FileExists(t, filepath.Join(info.Path, "settings.json"))
	assert.FileExists(t, filepath.Join(info.Path, "skills", "a.md"))

	// Latest alias is a symlink at the new backup.
	assert.True(t, utils.IsSymlink(m.LatestAliasPath()))
	target, err := os.Readlink(m.LatestAliasPath())
	require.NoError(t, err)
	assert.Equal(t, info.Path, target)

	// Undo marker points at it too.
	marker, err := m.readUndoMarker()
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, info.Path, marker.BackupPath)
}

func TestSnapshot_PreservesFileModes(t *testing.T) {
	m, local := newTestManager(t)
	m.now = fakeClock(time.Now())
	seedTree(t, local, `{"a":1}`)
	script := filepath.Join(local, "skills", "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	info, err := m.Snapshot()
	require.NoError(t, err)

	copied, err := os.Stat(filepath.Join(info.Path, "skills", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), copied.Mode().Perm())

	src, err := os.Stat(script)
	require.NoError(t, err)
	assert.True(t, copied.ModTime().Equal(src.ModTime()))
}

func TestSnapshot_NormalizesLegacyAliasDirectory(t *testing.T) {
	m, local := newTestManager(t)
	m.now = fakeClock(time.Now())
	seedTree(t, local, `{"a":1}`)

	// Legacy layout: the alias slot is a concrete directory.
	require.NoError(t, os.MkdirAll(m.LatestAliasPath(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(m.LatestAliasPath(), "old.txt"), []byte("legacy"), 0o644))

	info, err := m.Snapshot()
	require.NoError(t, err)

	// Alias is now a symlink and the legacy directory survived under a
	// timestamped name.
	assert.True(t, utils.IsSymlink(m.LatestAliasPath()))
	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	var foundLegacy bool
	for _, b := range backups {
		if b.Path != info.Path && utils.FileExists(filepath.Join(b.Path, "old.txt")) {
			foundLegacy = true
		}
	}
	assert.True(t, foundLegacy, "legacy alias directory should be preserved as a backup")
}

func TestList_OrdersSameSecondCountersNumerically(t *testing.T) {
	m, local := newTestManager(t)

	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.Local).Format(timestampFormat)
	for _, suffix := range []string{"", "_10", "_9"} {
		require.NoError(t, os.MkdirAll(local+backupInfix+ts+suffix, 0o755))
	}

	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, ts, backups[0].ID)
	assert.Equal(t, ts+"_9", backups[1].ID)
	assert.Equal(t, ts+"_10", backups[2].ID)
}

func TestDropIfRedundant(t *testing.T) {
	m, local := newTestManager(t)
	m.now = fakeClock(time.Now())
	seedTree(t, local, `{"a":1}`)

	first, err := m.Snapshot()
	require.NoError(t, err)
	second, err := m.Snapshot()
	require.NoError(t, err)

	dropped, err := m.DropIfRedundant(second)
	require.NoError(t, err)
	assert.True(t, dropped)

	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, first.ID, backups[0].ID)

	// Alias points back at the prior backup and the marker is cleared.
	target, err := os.Readlink(m.LatestAliasPath())
	require.NoError(t, err)
	assert.Equal(t, first.Path, target)
	marker, err := m.readUndoMarker()
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestDropIfRedundant_KeepsChangedBackup(t *testing.T) {
	m, local := newTestManager(t)
	m.now = fakeClock(time.Now())
	seedTree(t, local, `{"a":1}`)

	_, err := m.Snapshot()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(local, "settings.json"), []byte(`{"a":2}`), 0o644))
	second, err := m.Snapshot()
	require.NoError(t, err)

	dropped, err := m.DropIfRedundant(second)
	require.NoError(t, err)
	assert.False(t, dropped)

	backups, err := m.List()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestDropIfRedundant_IgnoresAncillaryFiles(t *testing.T) {
	m, local := newTestManager(t)
	m.now = fakeClock(time.Now())
	seedTree(t, local, `{"a":1}`)

	_, err := m.Snapshot()
	require.NoError(t, err)

	// A non-cataloged file changes; catalog content is identical.
	require.NoError(t, os.WriteFile(filepath.Join(local, "scratch.log"), []byte("noise"), 0o644))
	second, err := m.Snapshot()
	require.NoError(t, err)

	dropped, err := m.DropIfRedundant(second)
	require.NoError(t, err)
	assert.True(t, dropped)
}

func TestRestore_SnapshotsFirstAndReplacesWholesale(t *testing.T) {
	m, local := newTestManager(t)
	m.now = fakeClock(time.Now())
	seedTree(t, local, `{"a":1}`)

	info, err := m.Snapshot()
	require.NoError(t, err)

	// Mutate the tree: change a file, add a stray one.
	require.NoError(t, os.WriteFile(filepath.Join(local, "settings.json"), []byte(`{"a":2}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "stray.txt"), []byte("x"), 0o644))

	require.NoError(t, m.Restore(info.ID))

	data, err := os.ReadFile(filepath.Join(local, "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
	assert.NoFileExists(t, filepath.Join(local, "stray.txt"))

	// The pre-restore state was snapshotted, so restore is undoable.
	backups, err := m.List()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestRestore_UnknownID(t *testing.T) {
	m, local := newTestManager(t)
	seedTree(t, local, `{"a":1}`)
	assert.Error(t, m.Restore("20000101_000000"))
}

func TestUndo_RoundTrip(t *testing.T) {
	m, local := newTestManager(t)
	m.now = fakeClock(time.Now())
	seedTree(t, local, `{"a":1}`)

	// A mutating operation snapshots first, then changes the tree.
	_, err := m.Snapshot()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(local, "settings.json"), []byte(`{"pulled":true}`), 0o644))

	restored, err := m.Undo()
	require.NoError(t, err)
	require.NotNil(t, restored)

	data, err := os.ReadFile(filepath.Join(local, "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
}

func TestUndo_NothingToUndo(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Undo()
	assert.ErrorIs(t, err, ErrNothingToUndo)
}
