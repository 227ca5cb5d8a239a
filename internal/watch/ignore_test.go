package watch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIgnorer(t *testing.T) {
	root := "/home/u/.claude"
	ig := NewIgnorer(root)

	ignored := []string{
		filepath.Join(root, ".sync_state.json"),
		filepath.Join(root, ".sync_lock"),
		filepath.Join(root, ".hidden"),
		filepath.Join(root, "settings.json.tmp"),
		filepath.Join(root, "settings.json~"),
		filepath.Join(root, "settings (host's conflicted copy 2026-08-23).json"),
		filepath.Join(root, ".git", "HEAD"),
	}
	for _, p := range ignored {
		assert.True(t, ig.Match(p), "should ignore %s", p)
	}

	kept := []string{
		filepath.Join(root, "settings.json"),
		filepath.Join(root, "CLAUDE.md"),
		filepath.Join(root, "skills", "review.md"),
		filepath.Join(root, "plugins", "x", "plugin.json"),
	}
	for _, p := range kept {
		assert.False(t, ig.Match(p), "should keep %s", p)
	}
}

func TestIgnorer_BackupTrees(t *testing.T) {
	// Watching the parent of the tree: sibling backup trees are noise.
	ig := NewIgnorer("/home/u")
	assert.True(t, ig.Match("/home/u/.claude.backup.20260823_120000/settings.json"))
	assert.True(t, ig.Match("/home/u/.claude.backup.latest"))
}

func TestIgnorer_OutsideRoot(t *testing.T) {
	ig := NewIgnorer("/home/u/.claude")
	assert.False(t, ig.Match("/etc/passwd"))
	assert.False(t, ig.Match("/home/u/.claude"))
}
