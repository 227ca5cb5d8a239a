package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_Unheld(t *testing.T) {
	root := t.TempDir()
	l := New(root, "machine-a")

	guard, err := l.TryAcquire()
	require.NoError(t, err)
	require.NotNil(t, guard)

	tok, err := l.Info()
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "machine-a", tok.MachineID)
	assert.Equal(t, os.Getpid(), tok.PID)

	require.NoError(t, guard.Release())
	tok, err = l.Info()
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestTryAcquire_HeldByOther(t *testing.T) {
	root := t.TempDir()

	a := New(root, "machine-a")
	_, err := a.TryAcquire()
	require.NoError(t, err)

	b := New(root, "machine-b")
	guard, err := b.TryAcquire()
	assert.Nil(t, guard)

	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "machine-a", held.Holder)
	assert.True(t, b.HeldByOther())
	assert.False(t, a.HeldByOther())
}

func TestTryAcquire_ReclaimsExpired(t *testing.T) {
	root := t.TempDir()

	a := New(root, "machine-a")
	_, err := a.TryAcquire()
	require.NoError(t, err)

	// Second machine sees the token aged past the expiry threshold.
	b := New(root, "machine-b")
	b.now = func() time.Time { return time.Now().Add(61 * time.Second) }

	guard, err := b.TryAcquire()
	require.NoError(t, err)
	require.NotNil(t, guard)

	tok, err := b.Info()
	require.NoError(t, err)
	assert.Equal(t, "machine-b", tok.MachineID)
}

func TestTryAcquire_RetakesOwnToken(t *testing.T) {
	root := t.TempDir()

	a := New(root, "machine-a")
	_, err := a.TryAcquire()
	require.NoError(t, err)

	// A crash on this machine left the token behind; the next cycle here
	// takes it back without waiting for expiry.
	again := New(root, "machine-a")
	guard, err := again.TryAcquire()
	require.NoError(t, err)
	assert.NotNil(t, guard)
}

func TestRelease_LeavesForeignToken(t *testing.T) {
	root := t.TempDir()

	a := New(root, "machine-a")
	guard, err := a.TryAcquire()
	require.NoError(t, err)

	// Another machine reclaimed after our expiry.
	b := New(root, "machine-b")
	b.now = func() time.Time { return time.Now().Add(2 * DefaultExpiry) }
	_, err = b.TryAcquire()
	require.NoError(t, err)

	require.NoError(t, guard.Release())

	tok, err := b.Info()
	require.NoError(t, err)
	require.NotNil(t, tok, "foreign token must survive our release")
	assert.Equal(t, "machine-b", tok.MachineID)
}

func TestTryAcquire_StaleUnreadableTokenIsReclaimed(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, FileName)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	// Debris well past the write grace window.
	old := time.Now().Add(-10 * time.Second)
	require.NoError(t, os.Chtimes(path, old, old))

	l := New(root, "machine-a")
	guard, err := l.TryAcquire()
	require.NoError(t, err)
	assert.NotNil(t, guard)
}

func TestTryAcquire_FreshUnreadableTokenIsHeld(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, FileName)

	// A peer between create-if-absent and the JSON write: the file exists
	// but carries no parseable token yet.
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	l := New(root, "machine-a")
	guard, err := l.TryAcquire()
	assert.Nil(t, guard)

	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "unknown", held.Holder)

	// The same token becomes reclaimable once the grace window passes.
	l.now = func() time.Time { return time.Now().Add(writeGrace + time.Second) }
	guard, err = l.TryAcquire()
	require.NoError(t, err)
	assert.NotNil(t, guard)
}

func TestRefresh_UpdatesTimestamp(t *testing.T) {
	root := t.TempDir()
	l := New(root, "machine-a")

	base := time.Now()
	l.now = func() time.Time { return base }
	guard, err := l.TryAcquire()
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(30 * time.Second) }
	require.NoError(t, guard.Refresh())

	tok, err := l.Info()
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Second).Unix(), tok.Timestamp)
}

func TestToken_Age(t *testing.T) {
	now := time.Now()
	tok := &Token{Timestamp: now.Add(-45 * time.Second).Unix()}
	age := tok.Age(now)
	assert.InDelta(t, 45, age.Seconds(), 1)
}
