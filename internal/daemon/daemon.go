// Package daemon runs the long-lived watch-and-sync loop and manages its
// lifecycle: single-instance locking, pidfile, service installation and
// stop/status against a running instance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/confsync/confsync/internal/catalog"
	"github.com/confsync/confsync/internal/config"
	"github.com/confsync/confsync/internal/engine"
	"github.com/confsync/confsync/internal/lock"
	"github.com/confsync/confsync/internal/utils"
	"github.com/confsync/confsync/internal/watch"
)

// ErrAlreadyRunning means another daemon instance holds the runtime lock.
var ErrAlreadyRunning = errors.New("daemon already running")

const (
	pidFileName  = "confsync.pid"
	lockFileName = "confsync.lock"
)

// RuntimeDir is where the daemon keeps its pidfile, instance lock and logs.
func RuntimeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".confsync")
}

// Daemon owns one machine's watch loop.
type Daemon struct {
	cfg *config.Config
	eng *engine.SyncEngine

	runtimeDir string
	instance   *flock.Flock
}

func New(cfg *config.Config, cat catalog.Catalog) *Daemon {
	rt := RuntimeDir()
	return &Daemon{
		cfg:        cfg,
		eng:        engine.New(cfg, cat),
		runtimeDir: rt,
		instance:   flock.New(filepath.Join(rt, lockFileName)),
	}
}

// PidFilePath is the per-process marker of a running daemon.
func (d *Daemon) PidFilePath() string {
	return filepath.Join(d.runtimeDir, pidFileName)
}

// Run starts the watchers and the debouncer and blocks until the context is
// cancelled. Only one instance per machine: the runtime flock is kernel-level
// and local, unlike the advisory cycle lock in the shared folder.
func (d *Daemon) Run(ctx context.Context) error {
	if err := utils.EnsureDir(d.runtimeDir); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}

	locked, err := d.instance.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() {
		d.instance.Unlock()
		os.Remove(d.instance.Path())
	}()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer os.Remove(d.PidFilePath())

	if err := utils.EnsureDir(d.cfg.LocalDir); err != nil {
		return fmt.Errorf("local dir: %w", err)
	}
	if err := utils.EnsureDir(d.cfg.SyncRoot); err != nil {
		return fmt.Errorf("sync root: %w", err)
	}

	slog.Info("daemon started",
		"pid", os.Getpid(),
		"machine", d.eng.MachineID(),
		"local", d.cfg.LocalDir,
		"shared", d.cfg.SyncRoot,
		"debounce", d.cfg.Debounce,
		"max_batch", d.cfg.MaxBatch,
	)

	// Reconcile anything that drifted while the daemon was down.
	d.syncBatch(mapset.NewSet(watch.OriginLocal, watch.OriginRemote))

	debouncer := watch.NewDebouncer(d.cfg.Debounce, d.cfg.MaxBatch, d.syncBatch)

	localWatcher := watch.NewFolderWatcher(d.cfg.LocalDir, watch.OriginLocal, debouncer.Events())
	remoteWatcher := watch.NewFolderWatcher(d.cfg.SyncRoot, watch.OriginRemote, debouncer.Events())

	g, ctx := errgroup.WithContext(ctx)

	if err := localWatcher.Start(ctx); err != nil {
		return err
	}
	defer localWatcher.Stop()

	if err := remoteWatcher.Start(ctx); err != nil {
		return err
	}
	defer remoteWatcher.Stop()

	g.Go(func() error { return debouncer.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("daemon stopped")
	return err
}

// syncBatch is the debouncer's callback: decide a direction and drive one
// cycle. Every failure mode logs and re-arms; the daemon itself never dies
// over a failed cycle.
func (d *Daemon) syncBatch(origins mapset.Set[watch.Origin]) {
	decision, err := d.eng.DecideDirection()
	if err != nil {
		slog.Error("direction decision failed", "error", err)
		return
	}
	if !decision.Sync {
		slog.Debug("no drift, nothing to sync", "origins", origins.String())
		return
	}

	result, err := d.eng.RunCycle(decision.Direction)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			// Deferred, not failed; the other machine's cycle will land as
			// remote events and re-trigger us.
			slog.Info("cycle deferred", "holder", held.Holder, "age", held.Age.Round(time.Second))
			return
		}
		slog.Error("cycle failed", "error", err)
		return
	}

	if !result.Report.Ok() {
		slog.Warn("cycle completed with failures, will retry on next batch",
			"summary", result.Report.Summary())
	}
}

// Once drives a single decide-and-sync pass and returns its outcome; used by
// `daemon once` and by tests.
func (d *Daemon) Once() (*engine.CycleResult, error) {
	decision, err := d.eng.DecideDirection()
	if err != nil {
		return nil, err
	}
	if !decision.Sync {
		slog.Info("already in sync")
		return nil, nil
	}
	slog.Info("sync needed", "direction", decision.Direction.String(), "conflict", decision.Conflict)
	return d.eng.RunCycle(decision.Direction)
}

func (d *Daemon) writePidFile() error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.PidFilePath(), []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// ReadPidFile returns the recorded daemon PID, or 0 when no pidfile exists.
func ReadPidFile() (int, error) {
	data, err := os.ReadFile(filepath.Join(RuntimeDir(), pidFileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile: %w", err)
	}
	return pid, nil
}
