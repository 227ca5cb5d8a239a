package watch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// State is the debouncer's position in its Idle → Pending → Syncing → Idle
// cycle.
type State int

const (
	StateIdle State = iota
	StatePending
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// SyncFunc runs one sync cycle for a stabilized batch. The origins set names
// the sides that produced events in the batch.
type SyncFunc func(origins mapset.Set[Origin])

// Debouncer coalesces filesystem events into batches. An event while idle
// opens a batch and starts the quiet-period timer; further events restart the
// timer unless that would stretch the batch past the maximum window, in which
// case the batch is cut short. The sync runs synchronously in the loop, so a
// machine never runs two cycles at once; events arriving meanwhile sit in the
// buffered channel and open the next batch.
type Debouncer struct {
	quiet    time.Duration
	maxBatch time.Duration

	events chan Event
	sync   SyncFunc

	state        atomic.Int32
	pendingSince time.Time
	origins      mapset.Set[Origin]
}

func NewDebouncer(quiet, maxBatch time.Duration, sync SyncFunc) *Debouncer {
	return &Debouncer{
		quiet:    quiet,
		maxBatch: maxBatch,
		events:   make(chan Event, eventBufferSize),
		sync:     sync,
		origins:  mapset.NewSet[Origin](),
	}
}

// Events is the channel the watchers feed.
func (d *Debouncer) Events() chan<- Event {
	return d.events
}

// CurrentState reports where the machine is; used by daemon status.
func (d *Debouncer) CurrentState() State {
	return State(d.state.Load())
}

// Run drives the state machine until the context is cancelled. A pending
// batch at cancellation is abandoned: the next daemon start re-evaluates both
// trees anyway.
func (d *Debouncer) Run(ctx context.Context) error {
	timer := time.NewTimer(d.quiet)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-d.events:
			d.origins.Add(ev.Origin)

			switch d.CurrentState() {
			case StateIdle:
				d.state.Store(int32(StatePending))
				d.pendingSince = ev.Time
				resetTimer(timer, d.quiet)
				slog.Debug("debounce batch opened", "origin", ev.Origin.String())

			case StatePending:
				// Restarting the quiet period must not stretch the batch past
				// the maximum window; cut it short instead.
				if time.Since(d.pendingSince)+d.quiet >= d.maxBatch {
					stopTimer(timer)
					slog.Debug("debounce batch window full, syncing now")
					d.fire()
					continue
				}
				resetTimer(timer, d.quiet)
			}

		case <-timer.C:
			if d.CurrentState() == StatePending {
				d.fire()
			}
		}
	}
}

// fire runs one cycle for the accumulated batch and returns to idle.
func (d *Debouncer) fire() {
	d.state.Store(int32(StateSyncing))
	batch := d.origins.Clone()
	d.origins.Clear()

	slog.Info("debounce quiet period reached, syncing", "origins", batch.String())
	d.sync(batch)

	d.state.Store(int32(StateIdle))
}

func resetTimer(t *time.Timer, dur time.Duration) {
	stopTimer(t)
	t.Reset(dur)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
