package backup

import (
	"fmt"
	"log/slog"
	"os"
)

// RetentionPlan is the outcome of the two-phase retention decision:
// first collapse runs of consecutive duplicate backups, then evict the
// oldest surviving surplus over the cap. The plan is computed without
// mutating anything, so dry runs report exactly what an apply would do.
type RetentionPlan struct {
	// Duplicates are older members of consecutive identical runs,
	// collapsed into the most recent backup of each run.
	Duplicates []Info
	// Evicted are distinct backups removed to meet the cap.
	Evicted []Info
	// Kept are the surviving backups, oldest first.
	Kept []Info
}

// Removals returns everything the plan deletes.
func (p *RetentionPlan) Removals() []Info {
	out := make([]Info, 0, len(p.Duplicates)+len(p.Evicted))
	out = append(out, p.Duplicates...)
	out = append(out, p.Evicted...)
	return out
}

// PlanRetention decides which backups to retire. maxUnique caps the number of
// distinct surviving backups; the single oldest backup is always kept as a
// baseline. A backup referenced by a live undo marker is never planned for
// deletion while its content differs from the current local tree.
func (m *Manager) PlanRetention(maxUnique int) (*RetentionPlan, error) {
	backups, err := m.List()
	if err != nil {
		return nil, err
	}

	plan := &RetentionPlan{}
	if len(backups) == 0 {
		return plan, nil
	}

	protected, err := m.protectedUndoTarget()
	if err != nil {
		return nil, err
	}

	// Phase 1: equivalence classes under catalog-only fingerprint equality.
	// Consecutive duplicates collapse into the most recent of the run.
	var survivors []Info
	for i := 0; i < len(backups); i++ {
		cur := backups[i]
		if i+1 < len(backups) {
			same, err := m.sameCatalogContent(cur.Path, backups[i+1].Path)
			if err != nil {
				return nil, err
			}
			if same {
				if cur.Path == protected {
					// Live undo target that differs from current state
					// survives even inside a duplicate run.
					survivors = append(survivors, cur)
					continue
				}
				plan.Duplicates = append(plan.Duplicates, cur)
				continue
			}
		}
		survivors = append(survivors, cur)
	}

	// Phase 2: cap eviction over the distinct survivors, keeping the oldest
	// as baseline and evicting from the next-oldest onward.
	if maxUnique > 0 && len(survivors) > maxUnique {
		kept := []Info{survivors[0]}
		candidates := survivors[1:]
		over := len(survivors) - maxUnique
		for _, b := range candidates {
			if over > 0 && b.Path != protected {
				plan.Evicted = append(plan.Evicted, b)
				over--
				continue
			}
			kept = append(kept, b)
		}
		plan.Kept = kept
	} else {
		plan.Kept = survivors
	}

	return plan, nil
}

// ApplyRetention deletes everything the plan marked, retargets the "latest"
// alias if its target was removed, and clears the undo marker if it pointed
// at a pruned backup. Applying the same decisions twice removes nothing the
// second time.
func (m *Manager) ApplyRetention(plan *RetentionPlan) error {
	removals := plan.Removals()
	if len(removals) == 0 {
		slog.Debug("retention: nothing to remove")
		return nil
	}

	removedPaths := make(map[string]struct{}, len(removals))
	for _, b := range removals {
		if err := os.RemoveAll(b.Path); err != nil {
			return fmt.Errorf("retention remove %s: %w", b.Path, err)
		}
		removedPaths[b.Path] = struct{}{}
		slog.Info("backup retired", "id", b.ID)
	}

	// Clear a consumed undo marker before touching the alias.
	if marker, err := m.readUndoMarker(); err == nil && marker != nil {
		if _, gone := removedPaths[marker.BackupPath]; gone {
			if err := m.clearUndoMarker(); err != nil {
				return err
			}
		}
	}

	// Retarget the alias at the newest survivor if its target was removed.
	alias, err := resolveAlias(m.LatestAliasPath())
	if err != nil {
		return err
	}
	if alias.Kind == AliasSymlink {
		if _, gone := removedPaths[alias.Target]; gone {
			if len(plan.Kept) > 0 {
				newest := plan.Kept[len(plan.Kept)-1]
				if err := m.retargetAlias(newest.Path); err != nil {
					return err
				}
			} else if err := os.Remove(m.LatestAliasPath()); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove dangling alias: %w", err)
			}
		}
	}

	return nil
}

// Cleanup runs both retention phases. With dryRun set it only reports the
// plan.
func (m *Manager) Cleanup(maxUnique int, dryRun bool) (*RetentionPlan, error) {
	plan, err := m.PlanRetention(maxUnique)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return plan, nil
	}
	if err := m.ApplyRetention(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// protectedUndoTarget returns the undo marker's backup path when the marker
// is live and that backup differs from the current local tree, else "".
func (m *Manager) protectedUndoTarget() (string, error) {
	marker, err := m.readUndoMarker()
	if err != nil || marker == nil {
		return "", err
	}
	if !pathExists(marker.BackupPath) {
		return "", nil
	}
	same, err := m.sameCatalogContent(marker.BackupPath, m.localDir)
	if err != nil {
		return "", err
	}
	if same {
		return "", nil
	}
	return marker.BackupPath, nil
}
