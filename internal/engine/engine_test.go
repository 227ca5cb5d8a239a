package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/config"
	"github.com/confsync/confsync/internal/lock"
	"github.com/confsync/confsync/internal/transfer"
)

func newTestEngine(t *testing.T) (*SyncEngine, *config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		CloudBase:  base,
		SyncRoot:   filepath.Join(base, "ConfSync"),
		LocalDir:   filepath.Join(base, "local"),
		Debounce:   3 * time.Second,
		MaxBatch:   10 * time.Second,
		Conflict:   config.ConflictNewest,
		LogLevel:   slog.LevelInfo,
		MaxBackups: 10,
	}
	require.NoError(t, os.MkdirAll(cfg.LocalDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.SyncRoot, 0o755))
	return New(cfg, catalog.Default()), cfg
}

func writeItem(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunCycle_PushCommitsStateAndReleasesLock(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)

	result, err := eng.RunCycle(transfer.Push)
	require.NoError(t, err)
	assert.True(t, result.StateCommitted)
	assert.NotEmpty(t, result.ID)
	require.NotNil(t, result.Report)
	assert.Equal(t, 1, result.Report.Copied())

	data, err := os.ReadFile(filepath.Join(cfg.SyncRoot, "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	// Lock released on exit.
	assert.NoFileExists(t, filepath.Join(cfg.SyncRoot, lock.FileName))

	// State reflects the cycle.
	st, err := eng.tracker.Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, eng.MachineID(), st.MachineID)
	assert.Contains(t, st.Items, "settings.json")
	assert.NotContains(t, st.Items, "mcp.json", "absent items are not recorded")
}

func TestRunCycle_BackupPrecedesPullMutation(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)
	writeItem(t, cfg.SyncRoot, "settings.json", `{"a":2}`)

	result, err := eng.RunCycle(transfer.Pull)
	require.NoError(t, err)
	require.NotNil(t, result.Backup)

	// Local tree now holds the pulled content.
	data, err := os.ReadFile(filepath.Join(cfg.LocalDir, "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(data))

	// The snapshot holds the pre-pull content.
	saved, err := os.ReadFile(filepath.Join(result.Backup.Path, "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(saved))
}

func TestRunCycle_ValidationFailureLeavesStateAndLocalUntouched(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"before":true}`)
	writeItem(t, cfg.SyncRoot, "settings.json", "")

	result, err := eng.RunCycle(transfer.Pull)
	require.NoError(t, err)
	assert.False(t, result.StateCommitted)
	assert.Equal(t, 1, result.Report.Failed())

	data, err := os.ReadFile(filepath.Join(cfg.LocalDir, "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"before":true}`, string(data))

	st, err := eng.tracker.Load()
	require.NoError(t, err)
	assert.Nil(t, st, "failed cycle never commits state")

	assert.NoFileExists(t, filepath.Join(cfg.SyncRoot, lock.FileName))
}

func TestRunCycle_DeferredWhileForeignLockHeld(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)

	foreign := lock.New(cfg.SyncRoot, "other-machine")
	guard, err := foreign.TryAcquire()
	require.NoError(t, err)
	defer guard.Release()

	_, err = eng.RunCycle(transfer.Push)
	var held *lock.HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "other-machine", held.Holder)

	// Nothing moved.
	assert.NoFileExists(t, filepath.Join(cfg.SyncRoot, "settings.json"))
}

func TestRunCycle_RedundantSnapshotDropped(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)

	first, err := eng.RunCycle(transfer.Push)
	require.NoError(t, err)
	require.NotNil(t, first.Backup)

	// Nothing changed: the second cycle's snapshot is redundant.
	second, err := eng.RunCycle(transfer.Push)
	require.NoError(t, err)
	assert.Nil(t, second.Backup)

	backups, err := eng.Backups().List()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestDecideDirection_NoDrift(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)

	_, err := eng.RunCycle(transfer.Push)
	require.NoError(t, err)

	decision, err := eng.DecideDirection()
	require.NoError(t, err)
	assert.False(t, decision.Sync)
}

func TestDecideDirection_LocalDriftPushes(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)
	_, err := eng.RunCycle(transfer.Push)
	require.NoError(t, err)

	writeItem(t, cfg.LocalDir, "settings.json", `{"a":2}`)

	decision, err := eng.DecideDirection()
	require.NoError(t, err)
	assert.True(t, decision.Sync)
	assert.False(t, decision.Conflict)
	assert.Equal(t, transfer.Push, decision.Direction)
}

func TestDecideDirection_RemoteDriftPulls(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)
	_, err := eng.RunCycle(transfer.Push)
	require.NoError(t, err)

	writeItem(t, cfg.SyncRoot, "settings.json", `{"a":3}`)

	decision, err := eng.DecideDirection()
	require.NoError(t, err)
	assert.True(t, decision.Sync)
	assert.Equal(t, transfer.Pull, decision.Direction)
}

func TestDecideDirection_ConflictStrategies(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)
	_, err := eng.RunCycle(transfer.Push)
	require.NoError(t, err)

	// Both sides drift; remote is strictly newer by mtime.
	writeItem(t, cfg.LocalDir, "settings.json", `{"local":true}`)
	writeItem(t, cfg.SyncRoot, "settings.json", `{"remote":true}`)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(cfg.LocalDir, "settings.json"), old, old))

	decision, err := eng.DecideDirection()
	require.NoError(t, err)
	assert.True(t, decision.Conflict)
	assert.Equal(t, transfer.Pull, decision.Direction, "newest picks the more recent side")

	cfg.Conflict = config.ConflictLocal
	decision, err = eng.DecideDirection()
	require.NoError(t, err)
	assert.Equal(t, transfer.Push, decision.Direction)

	cfg.Conflict = config.ConflictRemote
	decision, err = eng.DecideDirection()
	require.NoError(t, err)
	assert.Equal(t, transfer.Pull, decision.Direction)
}

func TestDecideDirection_FirstRunWithLocalOnly(t *testing.T) {
	eng, cfg := newTestEngine(t)
	writeItem(t, cfg.LocalDir, "CLAUDE.md", "# rules")

	decision, err := eng.DecideDirection()
	require.NoError(t, err)
	assert.True(t, decision.Sync)
	assert.Equal(t, transfer.Push, decision.Direction)
}

func TestStatus_InSyncAndDrift(t *testing.T) {
	eng, cfg := newTestEngine(t)
	// Independently created identical files count as in sync.
	writeItem(t, cfg.LocalDir, "settings.json", `{"a":1}`)
	writeItem(t, cfg.SyncRoot, "settings.json", `{"a":1}`)
	writeItem(t, cfg.LocalDir, "CLAUDE.md", "# local only")
	writeItem(t, cfg.SyncRoot, "mcp.json", `{"remote":"only"}`)

	report, err := eng.Status()
	require.NoError(t, err)
	assert.Equal(t, eng.MachineID(), report.MachineID)
	assert.Nil(t, report.LockHolder)
	assert.False(t, report.InSync())

	drifts := map[string]ItemDrift{}
	for _, it := range report.Items {
		drifts[it.Name] = it.Drift
	}
	assert.Equal(t, DriftInSync, drifts["settings.json"])
	assert.Equal(t, DriftLocalOnly, drifts["CLAUDE.md"])
	assert.Equal(t, DriftRemoteOnly, drifts["mcp.json"])
	assert.Equal(t, DriftInSync, drifts["skills"], "absent on both sides is in sync")
}

func TestStatus_SurfacesLockAndConflictArtifacts(t *testing.T) {
	eng, cfg := newTestEngine(t)

	foreign := lock.New(cfg.SyncRoot, "other-machine")
	guard, err := foreign.TryAcquire()
	require.NoError(t, err)
	defer guard.Release()

	writeItem(t, cfg.SyncRoot, "settings (host's conflicted copy 2026-08-23).json", `{}`)

	report, err := eng.Status()
	require.NoError(t, err)
	require.NotNil(t, report.LockHolder)
	assert.Equal(t, "other-machine", report.LockHolder.MachineID)
	require.Len(t, report.ConflictArtifacts, 1)
	assert.Contains(t, report.ConflictArtifacts[0], "conflicted copy")
}
