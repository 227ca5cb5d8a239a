package backup

import (
	"fmt"
	"os"
	"time"

	"github.com/confsync/confsync/internal/utils"
)

// AliasKind describes what currently occupies the "latest" alias slot.
type AliasKind int

const (
	// AliasNone means the slot is empty.
	AliasNone AliasKind = iota
	// AliasSymlink is the normal layout: a symlink to the most recent
	// retained backup.
	AliasSymlink
	// AliasLegacyDirectory is a concrete directory left by an old layout;
	// it is moved aside and the slot normalized to a symlink.
	AliasLegacyDirectory
)

// Alias is the resolved state of the "latest" slot.
type Alias struct {
	Kind   AliasKind
	Target string
}

// resolveAlias inspects the alias slot once; callers branch on the variant
// instead of re-checking link types throughout the engine.
func resolveAlias(path string) (*Alias, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return &Alias{Kind: AliasNone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alias stat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("alias readlink %s: %w", path, err)
		}
		return &Alias{Kind: AliasSymlink, Target: target}, nil
	}

	if info.IsDir() {
		return &Alias{Kind: AliasLegacyDirectory}, nil
	}

	return nil, fmt.Errorf("alias slot %s is neither symlink nor directory", path)
}

// retargetAlias points the alias slot at target, normalizing a legacy
// concrete directory out of the way first.
func (m *Manager) retargetAlias(target string) error {
	aliasPath := m.LatestAliasPath()

	alias, err := resolveAlias(aliasPath)
	if err != nil {
		return err
	}

	switch alias.Kind {
	case AliasSymlink:
		if err := os.Remove(aliasPath); err != nil {
			return fmt.Errorf("alias remove %s: %w", aliasPath, err)
		}
	case AliasLegacyDirectory:
		// Preserve the legacy copy as a regular timestamped backup.
		info, err := os.Stat(aliasPath)
		if err != nil {
			return fmt.Errorf("alias stat %s: %w", aliasPath, err)
		}
		moved := m.uniqueBackupPath(info.ModTime())
		if err := os.Rename(aliasPath, moved); err != nil {
			return fmt.Errorf("alias move legacy dir: %w", err)
		}
	}

	if !utils.DirExists(target) {
		return fmt.Errorf("alias target does not exist: %s", target)
	}
	if err := os.Symlink(target, aliasPath); err != nil {
		return fmt.Errorf("alias symlink: %w", err)
	}
	return nil
}

// uniqueBackupPath returns an unused timestamp-named backup location.
func (m *Manager) uniqueBackupPath(t time.Time) string {
	base := m.backupPrefix() + t.Format(timestampFormat)
	path := base
	for i := 2; pathExists(path); i++ {
		path = fmt.Sprintf("%s_%d", base, i)
	}
	return path
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
