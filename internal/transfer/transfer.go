// Package transfer moves cataloged items between the local tree and the
// shared sync root, one direction per run. Every copy is verified by
// recomputing the destination fingerprint; a destination that cannot be
// verified is removed, never left in place.
package transfer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/fingerprint"
	"github.com/confsync/confsync/internal/utils"
	"github.com/confsync/confsync/internal/validate"
)

// Direction selects which side is the source of a run.
type Direction int

const (
	// Push copies local → shared.
	Push Direction = iota
	// Pull copies shared → local.
	Pull
)

func (d Direction) String() string {
	switch d {
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return "unknown"
	}
}

// VerificationError reports a post-copy fingerprint mismatch. The destination
// artifact has already been removed when this error surfaces.
type VerificationError struct {
	Item   string
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("transfer verification failed for %s: %s", e.Item, e.Reason)
}

// Status classifies the outcome of one item.
type Status int

const (
	StatusCopied Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCopied:
		return "copied"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemResult is the per-item outcome of a run.
type ItemResult struct {
	Item   string
	Status Status
	// Fingerprint is the verified destination fingerprint for copied items.
	Fingerprint *fingerprint.Fingerprint
	Err         error
}

// Report accumulates every item outcome of one directional run. Failures
// never stop the run; the caller decides whether a non-empty failed set
// aborts (interactive push/pull) or is retried later (daemon).
type Report struct {
	Direction Direction
	Results   []ItemResult
}

func (r *Report) count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

func (r *Report) Copied() int  { return r.count(StatusCopied) }
func (r *Report) Skipped() int { return r.count(StatusSkipped) }
func (r *Report) Failed() int  { return r.count(StatusFailed) }

// Failures returns the failed item results.
func (r *Report) Failures() []ItemResult {
	var out []ItemResult
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Ok reports whether every item either copied or was legitimately absent.
func (r *Report) Ok() bool {
	return r.Failed() == 0
}

func (r *Report) Summary() string {
	return fmt.Sprintf("%d copied, %d skipped, %d failed", r.Copied(), r.Skipped(), r.Failed())
}

// Engine copies cataloged items between the two fixed roots.
type Engine struct {
	localDir string
	syncRoot string
}

func NewEngine(localDir, syncRoot string) *Engine {
	return &Engine{localDir: localDir, syncRoot: syncRoot}
}

func (e *Engine) roots(d Direction) (src, dst string) {
	if d == Push {
		return e.localDir, e.syncRoot
	}
	return e.syncRoot, e.localDir
}

// Run transfers every catalog item in catalog order. Per-item failures are
// recorded and the run continues with the next item; only infrastructure
// errors (an unreadable source root, say) abort the run itself.
func (e *Engine) Run(d Direction, cat catalog.Catalog) (*Report, error) {
	srcRoot, dstRoot := e.roots(d)
	if !utils.DirExists(srcRoot) {
		return nil, fmt.Errorf("%s source does not exist: %s", d, srcRoot)
	}
	if err := utils.EnsureDir(dstRoot); err != nil {
		return nil, fmt.Errorf("%s destination: %w", d, err)
	}

	report := &Report{Direction: d}
	for _, it := range cat {
		res := e.transferItem(srcRoot, dstRoot, it)
		report.Results = append(report.Results, res)

		switch res.Status {
		case StatusCopied:
			slog.Info("item copied", "direction", d.String(), "item", it.Name)
		case StatusSkipped:
			slog.Debug("item absent at source, skipped", "direction", d.String(), "item", it.Name)
		case StatusFailed:
			slog.Error("item transfer failed", "direction", d.String(), "item", it.Name, "error", res.Err)
		}
	}
	return report, nil
}

func (e *Engine) transferItem(srcRoot, dstRoot string, it catalog.Item) ItemResult {
	srcFP, err := fingerprint.ForItem(srcRoot, it)
	if err != nil {
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: err}
	}
	if srcFP == nil {
		// Absence is not an error; the destination copy, if any, stays.
		return ItemResult{Item: it.Name, Status: StatusSkipped}
	}

	srcPath := filepath.Join(srcRoot, it.Name)
	if err := validate.Item(srcPath, it); err != nil {
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: err}
	}

	dstPath := filepath.Join(dstRoot, it.Name)

	// Residue of a legacy link-based setup: remove the link itself, never
	// write through it.
	if utils.IsSymlink(dstPath) {
		if err := os.Remove(dstPath); err != nil {
			return ItemResult{Item: it.Name, Status: StatusFailed, Err: fmt.Errorf("remove symlink %s: %w", dstPath, err)}
		}
	}

	switch it.Kind {
	case catalog.KindFile:
		return e.transferFile(srcPath, dstPath, dstRoot, it, srcFP)
	case catalog.KindDir:
		return e.transferDir(srcPath, dstPath, dstRoot, it, srcFP)
	default:
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: fmt.Errorf("unknown item kind for %q", it.Name)}
	}
}

func (e *Engine) transferFile(srcPath, dstPath, dstRoot string, it catalog.Item, srcFP *fingerprint.Fingerprint) ItemResult {
	if err := utils.EnsureParent(dstPath); err != nil {
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: err}
	}
	if err := utils.CopyFile(srcPath, dstPath); err != nil {
		os.Remove(dstPath)
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: err}
	}

	dstFP, err := fingerprint.ForItem(dstRoot, it)
	if err == nil && !srcFP.Equal(dstFP) {
		err = &VerificationError{Item: it.Name, Reason: "destination digest differs from source"}
	}
	if err != nil {
		os.Remove(dstPath)
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: err}
	}

	return ItemResult{Item: it.Name, Status: StatusCopied, Fingerprint: dstFP}
}

// transferDir is all-or-nothing: any contained verification failure removes
// the whole destination directory.
func (e *Engine) transferDir(srcPath, dstPath, dstRoot string, it catalog.Item, srcFP *fingerprint.Fingerprint) ItemResult {
	// The destination is replaced wholesale so deletions propagate too.
	if err := os.RemoveAll(dstPath); err != nil {
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: fmt.Errorf("clear stale destination %s: %w", dstPath, err)}
	}
	if err := utils.CopyTree(srcPath, dstPath); err != nil {
		os.RemoveAll(dstPath)
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: err}
	}

	dstFP, err := fingerprint.ForItem(dstRoot, it)
	if err == nil {
		switch {
		case dstFP == nil:
			err = &VerificationError{Item: it.Name, Reason: "destination directory missing after copy"}
		case srcFP.Dir.FileCount != dstFP.Dir.FileCount:
			err = &VerificationError{
				Item:   it.Name,
				Reason: fmt.Sprintf("file count mismatch: %d source, %d destination", srcFP.Dir.FileCount, dstFP.Dir.FileCount),
			}
		case !srcFP.Equal(dstFP):
			err = &VerificationError{Item: it.Name, Reason: "contained file digests differ from source"}
		}
	}
	if err != nil {
		os.RemoveAll(dstPath)
		return ItemResult{Item: it.Name, Status: StatusFailed, Err: err}
	}

	return ItemResult{Item: it.Name, Status: StatusCopied, Fingerprint: dstFP}
}
