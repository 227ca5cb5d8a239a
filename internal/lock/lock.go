// Package lock implements the advisory, self-expiring mutual-exclusion token
// machines share through the provider-synced folder. It is a convention all
// participants honor, not a kernel primitive: the only atomicity it relies on
// is create-if-absent on the token file.
package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/confsync/confsync/internal/utils"
)

const (
	// FileName is the token file inside the shared sync root.
	FileName = ".sync_lock"

	// DefaultExpiry is the age past which a token counts as abandoned and
	// may be reclaimed by any machine.
	DefaultExpiry = 60 * time.Second

	// writeGrace covers the window between the token file appearing and its
	// JSON landing, both locally and through partial provider propagation.
	// An unreadable token younger than this is treated as held, not debris.
	writeGrace = 5 * time.Second
)

// Token is the structured lock record. All parsing goes through one codec
// boundary (readToken/writeToken); staleness is a pure function of Timestamp.
type Token struct {
	MachineID string `json:"machine_id"`
	Timestamp int64  `json:"timestamp"`
	PID       int    `json:"pid"`
}

// Age returns how old the token is at the given instant.
func (t *Token) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(t.Timestamp, 0))
}

// HeldError reports that another machine holds a valid token. It defers the
// cycle rather than failing it.
type HeldError struct {
	Holder string
	Age    time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("sync locked by %s (%s ago)", e.Holder, e.Age.Round(time.Second))
}

// CycleLock guards one sync cycle across machines.
type CycleLock struct {
	path      string
	machineID string
	expiry    time.Duration
	now       func() time.Time
}

func New(syncRoot string, machineID string) *CycleLock {
	return &CycleLock{
		path:      filepath.Join(syncRoot, FileName),
		machineID: machineID,
		expiry:    DefaultExpiry,
		now:       time.Now,
	}
}

// Guard represents a held lock. Release it on every exit path.
type Guard struct {
	lock *CycleLock
}

// TryAcquire attempts to take the lock. It returns *HeldError while another
// machine holds a valid token; an expired or own token is reclaimed.
func (l *CycleLock) TryAcquire() (*Guard, error) {
	if err := utils.EnsureParent(l.path); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	// Fast path: create-if-absent is the atomic primitive resolving races
	// between machines that start a cycle at the same time.
	created, err := l.tryCreate()
	if err != nil {
		return nil, err
	}
	if created {
		slog.Debug("lock acquired", "path", l.path)
		return &Guard{lock: l}, nil
	}

	existing, err := l.readToken()
	if err != nil {
		// The creator may still be between create-if-absent and the JSON
		// write; only a token that stayed unreadable past the grace window
		// counts as abandoned debris.
		if age, ok := l.tokenFileAge(); ok && age < writeGrace {
			return nil, &HeldError{Holder: "unknown", Age: age}
		}
		slog.Warn("lock token unreadable, reclaiming", "path", l.path, "error", err)
		return l.reclaim()
	}

	age := existing.Age(l.now())
	if age < l.expiry && existing.MachineID != l.machineID {
		return nil, &HeldError{Holder: existing.MachineID, Age: age}
	}

	// Expired token, or a leftover from a crashed cycle on this machine.
	slog.Info("reclaiming lock", "holder", existing.MachineID, "age", age.Round(time.Second))
	return l.reclaim()
}

// Release deletes the token only if it still names this machine as holder,
// defending against a reclaim race after our own expiry.
func (g *Guard) Release() error {
	l := g.lock
	existing, err := l.readToken()
	if err != nil {
		// Already gone or unreadable; nothing of ours to release.
		return nil
	}
	if existing.MachineID != l.machineID {
		slog.Warn("lock no longer ours, leaving it", "holder", existing.MachineID)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	slog.Debug("lock released", "path", l.path)
	return nil
}

// Refresh re-stamps the token during a long cycle so other machines do not
// reclaim it mid-transfer.
func (g *Guard) Refresh() error {
	return g.lock.writeToken()
}

// Info returns the current token, or nil when the lock is unheld.
func (l *CycleLock) Info() (*Token, error) {
	tok, err := l.readToken()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// HeldByOther reports whether a valid foreign token exists.
func (l *CycleLock) HeldByOther() bool {
	tok, err := l.readToken()
	if err != nil {
		return false
	}
	return tok.Age(l.now()) < l.expiry && tok.MachineID != l.machineID
}

func (l *CycleLock) tryCreate() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock: %w", err)
	}

	data, err := json.MarshalIndent(l.token(), "", "  ")
	if err != nil {
		f.Close()
		return false, fmt.Errorf("encode lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.path)
		return false, fmt.Errorf("write lock: %w", err)
	}
	return true, f.Close()
}

// tokenFileAge measures the token file's age from its mtime; ok is false
// when the file vanished between the failed read and the stat.
func (l *CycleLock) tokenFileAge() (time.Duration, bool) {
	fi, err := os.Lstat(l.path)
	if err != nil {
		return 0, false
	}
	return l.now().Sub(fi.ModTime()), true
}

func (l *CycleLock) reclaim() (*Guard, error) {
	if err := l.writeToken(); err != nil {
		return nil, err
	}
	return &Guard{lock: l}, nil
}

func (l *CycleLock) token() *Token {
	return &Token{
		MachineID: l.machineID,
		Timestamp: l.now().Unix(),
		PID:       os.Getpid(),
	}
}

func (l *CycleLock) readToken() (*Token, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse lock token: %w", err)
	}
	return &tok, nil
}

func (l *CycleLock) writeToken() error {
	data, err := json.MarshalIndent(l.token(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}
