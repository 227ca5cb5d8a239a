// Package state persists the per-machine record of the last fully verified
// sync cycle. The state file lives in the shared sync root and is replaced
// atomically; it is only ever written after every item of a cycle has been
// verified, so it always matches reality at the last completed cycle.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"

	"github.com/confsync/confsync/internal/fingerprint"
	"github.com/confsync/confsync/internal/utils"
)

// FileName is the serialized state entry inside the shared sync root.
const FileName = ".sync_state.json"

const stateVersion = 1

// SyncState records the outcome of the last completed cycle.
type SyncState struct {
	Version   int                                 `json:"version"`
	MachineID string                              `json:"machine_id"`
	LastSync  time.Time                           `json:"last_sync"`
	Items     map[string]*fingerprint.Fingerprint `json:"items"`
}

// New returns an empty state owned by this machine.
func New(machineID string) *SyncState {
	return &SyncState{
		Version:   stateVersion,
		MachineID: machineID,
		LastSync:  time.Now().UTC(),
		Items:     make(map[string]*fingerprint.Fingerprint),
	}
}

// Tracker loads and commits SyncState at a fixed path.
type Tracker struct {
	path string
}

func NewTracker(syncRoot string) *Tracker {
	return &Tracker{path: filepath.Join(syncRoot, FileName)}
}

// Path returns the state file location.
func (t *Tracker) Path() string {
	return t.path
}

// Load reads the persisted state. A missing file returns (nil, nil):
// the machine has simply never completed a cycle.
func (t *Tracker) Load() (*SyncState, error) {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", t.path, err)
	}

	var st SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", t.path, err)
	}
	if st.Items == nil {
		st.Items = make(map[string]*fingerprint.Fingerprint)
	}
	return &st, nil
}

// Commit atomically replaces the persisted state (write-new-then-rename).
// Callers invoke it only after every item of the cycle has been verified.
func (t *Tracker) Commit(st *SyncState) error {
	if err := utils.EnsureParent(t.path); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	st.Version = stateVersion
	st.LastSync = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".sync_state.tmp.*")
	if err != nil {
		return fmt.Errorf("state temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return fmt.Errorf("replace state %s: %w", t.path, err)
	}

	committed = true
	return nil
}

var (
	machineIDOnce sync.Once
	machineIDVal  string
)

// MachineID returns a stable identifier for this machine. It prefers the
// OS-provided machine id and falls back to the hostname.
func MachineID() string {
	machineIDOnce.Do(func() {
		if id, err := machineid.ProtectedID("confsync"); err == nil {
			// Hostname prefix keeps lock/status output human readable,
			// the hashed id keeps it collision free.
			host, _ := os.Hostname()
			if host == "" {
				host = "unknown"
			}
			machineIDVal = fmt.Sprintf("%s-%s", host, id[:8])
			return
		}
		if host, err := os.Hostname(); err == nil && host != "" {
			machineIDVal = host
			return
		}
		machineIDVal = "unknown"
	})
	return machineIDVal
}
