package engine

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/confsync/confsync/internal/fingerprint"
	"github.com/confsync/confsync/internal/lock"
	"github.com/confsync/confsync/internal/utils"
)

// conflictedCopyMarker is the name-substring providers put on files they
// duplicated instead of merging. Surfaced by Status, never auto-merged.
const conflictedCopyMarker = "conflicted copy"

// ItemDrift classifies one item's relation between the two trees.
type ItemDrift int

const (
	// DriftInSync means both sides exist with equal content, or neither
	// side exists.
	DriftInSync ItemDrift = iota
	// DriftLocalOnly means the item exists only in the local tree.
	DriftLocalOnly
	// DriftRemoteOnly means the item exists only in the shared root.
	DriftRemoteOnly
	// DriftDiffers means both sides exist with different content.
	DriftDiffers
)

func (d ItemDrift) String() string {
	switch d {
	case DriftInSync:
		return "in sync"
	case DriftLocalOnly:
		return "local only"
	case DriftRemoteOnly:
		return "remote only"
	case DriftDiffers:
		return "differs"
	default:
		return "unknown"
	}
}

// ItemStatus is one catalog item's drift report.
type ItemStatus struct {
	Name    string
	Drift   ItemDrift
	Present bool
}

// StatusReport is the full picture Status assembles for the CLI.
type StatusReport struct {
	MachineID string
	SyncRoot  string
	LocalDir  string

	// LastSync and LastSyncBy come from the committed state; zero/empty
	// when no cycle ever completed.
	LastSync   time.Time
	LastSyncBy string
	Tracked    int

	// LockHolder is non-nil while a token exists in the shared root.
	LockHolder *lock.Token

	Items []ItemStatus

	// ConflictArtifacts are provider-created "conflicted copy" files found
	// anywhere under the shared root.
	ConflictArtifacts []string
}

// InSync reports whether every item is drift-free.
func (r *StatusReport) InSync() bool {
	for _, it := range r.Items {
		if it.Drift != DriftInSync {
			return false
		}
	}
	return true
}

// Status compares both trees item by item and gathers state, lock and
// provider-artifact information. It takes no lock: it only reads.
func (e *SyncEngine) Status() (*StatusReport, error) {
	report := &StatusReport{
		MachineID: e.machineID,
		SyncRoot:  e.cfg.SyncRoot,
		LocalDir:  e.cfg.LocalDir,
	}

	st, err := e.tracker.Load()
	if err != nil {
		return nil, err
	}
	if st != nil {
		report.LastSync = st.LastSync
		report.LastSyncBy = st.MachineID
		report.Tracked = len(st.Items)
	}

	holder, err := e.lock.Info()
	if err != nil {
		return nil, fmt.Errorf("lock info: %w", err)
	}
	report.LockHolder = holder

	for _, it := range e.cat {
		localFP, err := fingerprint.ForItem(e.cfg.LocalDir, it)
		if err != nil {
			return nil, err
		}
		remoteFP, err := fingerprint.ForItem(e.cfg.SyncRoot, it)
		if err != nil {
			return nil, err
		}

		status := ItemStatus{Name: it.Name, Present: localFP != nil || remoteFP != nil}
		switch {
		case localFP == nil && remoteFP == nil:
			status.Drift = DriftInSync
		case remoteFP == nil:
			status.Drift = DriftLocalOnly
		case localFP == nil:
			status.Drift = DriftRemoteOnly
		case localFP.Equal(remoteFP):
			status.Drift = DriftInSync
		default:
			status.Drift = DriftDiffers
		}
		report.Items = append(report.Items, status)
	}

	artifacts, err := findConflictArtifacts(e.cfg.SyncRoot)
	if err != nil {
		return nil, err
	}
	report.ConflictArtifacts = artifacts

	return report, nil
}

// findConflictArtifacts scans the shared root recursively for the provider's
// duplicate-on-conflict naming convention.
func findConflictArtifacts(root string) ([]string, error) {
	if !utils.DirExists(root) {
		return nil, nil
	}

	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if strings.Contains(strings.ToLower(d.Name()), conflictedCopyMarker) {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conflict artifact scan %s: %w", root, err)
	}
	return found, nil
}
