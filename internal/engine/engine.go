// Package engine drives full sync cycles: lock, backup, validate, transfer,
// verify, commit. It owns the ordering guarantees; the packages it composes
// own the mechanics.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/confsync/confsync/internal/backup"
	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/config"
	"github.com/confsync/confsync/internal/fingerprint"
	"github.com/confsync/confsync/internal/lock"
	"github.com/confsync/confsync/internal/state"
	"github.com/confsync/confsync/internal/transfer"
)

// SyncEngine composes one machine's view of the shared sync root.
type SyncEngine struct {
	cfg       *config.Config
	cat       catalog.Catalog
	machineID string

	tracker *state.Tracker
	backups *backup.Manager
	lock    *lock.CycleLock
	xfer    *transfer.Engine
}

func New(cfg *config.Config, cat catalog.Catalog) *SyncEngine {
	machineID := state.MachineID()
	return &SyncEngine{
		cfg:       cfg,
		cat:       cat,
		machineID: machineID,
		tracker:   state.NewTracker(cfg.SyncRoot),
		backups:   backup.NewManager(cfg.LocalDir, cat),
		lock:      lock.New(cfg.SyncRoot, machineID),
		xfer:      transfer.NewEngine(cfg.LocalDir, cfg.SyncRoot),
	}
}

// Backups exposes the backup manager for the CLI surface.
func (e *SyncEngine) Backups() *backup.Manager { return e.backups }

// MachineID returns this machine's sync identity.
func (e *SyncEngine) MachineID() string { return e.machineID }

// CycleResult is the outcome of one sync cycle.
type CycleResult struct {
	// ID correlates the cycle's log lines.
	ID        string
	Direction transfer.Direction
	Report    *transfer.Report
	// Backup is the pre-cycle snapshot, nil when there was nothing to back up
	// or when the snapshot was dropped as redundant afterwards.
	Backup *backup.Info
	// StateCommitted is false when any item failed; the previous state stays
	// authoritative so the cycle can be retried.
	StateCommitted bool
}

// RunCycle performs one full locked cycle in the given direction:
// lock → backup → transfer (validate + verify per item) → commit → dedup.
// The lock is released on every exit path. A *lock.HeldError means the cycle
// was deferred, not that it failed.
func (e *SyncEngine) RunCycle(dir transfer.Direction) (*CycleResult, error) {
	cycleID := uuid.NewString()
	log := slog.With("cycle", cycleID, "direction", dir.String())

	guard, err := e.lock.TryAcquire()
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := guard.Release(); rerr != nil {
			log.Error("lock release failed", "error", rerr)
		}
	}()

	log.Info("cycle started")
	result := &CycleResult{ID: cycleID, Direction: dir}

	// Backup-first: the pre-mutation local state must exist as a snapshot
	// before any destination is touched.
	snap, err := e.backups.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("pre-cycle backup: %w", err)
	}
	result.Backup = snap

	// Re-stamp the token: a large tree can make snapshot plus transfer
	// approach the expiry window.
	if err := guard.Refresh(); err != nil {
		log.Warn("lock refresh failed", "error", err)
	}

	report, err := e.xfer.Run(dir, e.cat)
	if err != nil {
		return nil, err
	}
	result.Report = report

	if report.Ok() {
		if err := e.commitState(); err != nil {
			return nil, err
		}
		result.StateCommitted = true
	} else {
		log.Warn("cycle had failures, state not committed", "summary", report.Summary())
	}

	dropped, err := e.backups.DropIfRedundant(snap)
	if err != nil {
		log.Warn("redundancy check failed", "error", err)
	} else if dropped {
		result.Backup = nil
	}

	log.Info("cycle finished", "summary", report.Summary(), "committed", result.StateCommitted)
	return result, nil
}

// commitState records the local tree's fingerprints. After a verified cycle
// the local tree is the synchronized truth in either direction, so it is the
// side the state describes.
func (e *SyncEngine) commitState() error {
	st := state.New(e.machineID)
	for _, it := range e.cat {
		fp, err := fingerprint.ForItem(e.cfg.LocalDir, it)
		if err != nil {
			return fmt.Errorf("post-cycle fingerprint %s: %w", it.Name, err)
		}
		if fp != nil {
			st.Items[it.Name] = fp
		}
	}
	return e.tracker.Commit(st)
}

// Decision is the outcome of comparing both trees against the last
// committed state.
type Decision struct {
	// Sync is false when neither side drifted from the committed state.
	Sync      bool
	Direction transfer.Direction
	// Conflict is true when both sides drifted and the configured strategy
	// picked the direction.
	Conflict bool
}

// DecideDirection determines which side changed since the last committed
// state. Both-sides-changed resolves by the configured strategy; "newest"
// compares the most recent relevant mtime of the drifted items, which is an
// approximation since providers may rewrite mtimes on materialization.
func (e *SyncEngine) DecideDirection() (*Decision, error) {
	st, err := e.tracker.Load()
	if err != nil {
		return nil, err
	}

	var (
		localChanged, remoteChanged bool
		newestLocal, newestRemote   time.Time
	)
	for _, it := range e.cat {
		localFP, err := fingerprint.ForItem(e.cfg.LocalDir, it)
		if err != nil {
			return nil, err
		}
		remoteFP, err := fingerprint.ForItem(e.cfg.SyncRoot, it)
		if err != nil {
			return nil, err
		}

		var committed *fingerprint.Fingerprint
		if st != nil {
			committed = st.Items[it.Name]
		}

		if !localFP.Equal(committed) {
			localChanged = true
			if mt := localFP.ModTime(); mt.After(newestLocal) {
				newestLocal = mt
			}
		}
		if !remoteFP.Equal(committed) {
			remoteChanged = true
			if mt := remoteFP.ModTime(); mt.After(newestRemote) {
				newestRemote = mt
			}
		}
	}

	switch {
	case !localChanged && !remoteChanged:
		return &Decision{Sync: false}, nil
	case localChanged && !remoteChanged:
		return &Decision{Sync: true, Direction: transfer.Push}, nil
	case remoteChanged && !localChanged:
		return &Decision{Sync: true, Direction: transfer.Pull}, nil
	}

	// Both sides drifted.
	decision := &Decision{Sync: true, Conflict: true}
	switch e.cfg.Conflict {
	case config.ConflictLocal:
		decision.Direction = transfer.Push
	case config.ConflictRemote:
		decision.Direction = transfer.Pull
	default: // newest
		if newestRemote.After(newestLocal) {
			decision.Direction = transfer.Pull
		} else {
			decision.Direction = transfer.Push
		}
	}
	slog.Info("both sides changed, conflict strategy applied",
		"strategy", string(e.cfg.Conflict), "direction", decision.Direction.String())
	return decision, nil
}
