package watch

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultPatterns filters filesystem noise that must never trigger a sync
// cycle: engine metadata, editor droppings, provider conflict artifacts and
// backup trees. Matched per path component.
var defaultPatterns = []string{
	".*", // hidden entries, including .sync_state.json and .sync_lock
	"*.tmp",
	"*~",
	"*conflicted copy*",
	"*.backup.*",
}

// Ignorer decides which event paths are noise relative to a watch root.
type Ignorer struct {
	root     string
	patterns []string
}

func NewIgnorer(root string) *Ignorer {
	return &Ignorer{root: root, patterns: defaultPatterns}
}

// Match reports whether any component of path (relative to the watch root)
// matches an ignore pattern. An event deep inside an ignored directory is
// ignored with it.
func (ig *Ignorer) Match(path string) bool {
	rel, err := filepath.Rel(ig.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		// Outside the root; not ours to classify.
		return false
	}
	if rel == "." {
		return false
	}

	for _, component := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range ig.patterns {
			ok, err := doublestar.Match(pattern, component)
			if err != nil {
				slog.Warn("bad ignore pattern", "pattern", pattern, "error", err)
				continue
			}
			if ok {
				return true
			}
		}
	}
	return false
}
