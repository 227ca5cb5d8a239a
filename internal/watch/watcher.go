// Package watch observes the local tree and the shared sync root and turns
// raw filesystem events into debounced sync triggers. One watcher per root;
// both feed the same debouncer.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const eventBufferSize = 64

// Origin tags which watched root an event came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Event is one relevant (non-ignored) filesystem change.
type Event struct {
	Origin Origin
	Path   string
	Time   time.Time
}

// FolderWatcher watches a single root recursively and forwards non-ignored
// events, tagged with the root's origin, into a shared channel.
type FolderWatcher struct {
	root   string
	origin Origin
	ignore *Ignorer

	raw  chan notify.EventInfo
	out  chan<- Event
	done chan struct{}
	wg   sync.WaitGroup
}

func NewFolderWatcher(root string, origin Origin, out chan<- Event) *FolderWatcher {
	return &FolderWatcher{
		root:   root,
		origin: origin,
		ignore: NewIgnorer(root),
		out:    out,
		done:   make(chan struct{}),
	}
}

// Start begins watching. Stop must be called to release the OS watch.
func (w *FolderWatcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "origin", w.origin.String(), "root", w.root)

	w.raw = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(w.root+"/...", w.raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	w.wg.Add(1)
	go w.forward(ctx)
	return nil
}

// Stop releases the OS watch and waits for the forwarding goroutine.
func (w *FolderWatcher) Stop() {
	close(w.done)
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()
	slog.Info("watcher stopped", "origin", w.origin.String())
}

func (w *FolderWatcher) forward(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			if w.ignore.Match(ev.Path()) {
				continue
			}

			event := Event{Origin: w.origin, Path: ev.Path(), Time: time.Now()}
			select {
			case w.out <- event:
				slog.Debug("watcher event", "origin", w.origin.String(), "op", ev.Event().String(), "path", ev.Path())
			default:
				// The debouncer coalesces anyway; a dropped event here only
				// matters if no later event arrives, which churn makes unlikely.
				slog.Warn("watcher dropped event", "reason", "channel full", "path", ev.Path())
			}
		}
	}
}
