package spool

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Start begins the dual event-driven + polling watch loop and returns a
// channel of claimed candidates, not yet passed through admission. The synchronous startup scan has
// already run by the time the caller receives the first value; the
// channel is closed when ctx is cancelled.
//
// fsnotify watches requests/ for Create and Rename ops (some platforms
// coalesce or miss events entirely), and a ticker re-scans the directory
// on pollInterval regardless. Both paths call ProcessCandidate, which is
// idempotent, so duplicate notifications for the same file are harmless.
func (w *Watcher) Start(ctx context.Context, pollInterval time.Duration) <-chan Claimed {
	out := make(chan Claimed)

	go func() {
		defer close(out)

		w.log.Info("spool: watcher starting", "requests", w.dirs.Requests, "pollInterval", pollInterval)

		for _, c := range w.ScanOnce() {
			if !w.send(ctx, out, c) {
				return
			}
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Error("spool: fsnotify init failed, falling back to polling only", "error", err)
			w.pollOnly(ctx, out, pollInterval)
			return
		}
		defer watcher.Close()

		if err := watcher.Add(w.dirs.Requests); err != nil {
			w.log.Error("spool: fsnotify watch registration failed, falling back to polling only", "dir", w.dirs.Requests, "error", err)
			w.pollOnly(ctx, out, pollInterval)
			return
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				w.log.Info("spool: watcher stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if c, claimed := w.ProcessCandidate(event.Name); claimed {
					if !w.send(ctx, out, c) {
						return
					}
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Error("spool: fsnotify error", "error", err)

			case <-ticker.C:
				for _, c := range w.ScanOnce() {
					if !w.send(ctx, out, c) {
						return
					}
				}
			}
		}
	}()

	return out
}

// pollOnly runs the polling half alone, used when fsnotify setup fails
// (e.g. inotify watch limits exhausted). The watcher still functions,
// just with up to pollInterval latency instead of near-instant pickup.
func (w *Watcher) pollOnly(ctx context.Context, out chan<- Claimed, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range w.ScanOnce() {
				if !w.send(ctx, out, c) {
					return
				}
			}
		}
	}
}

func (w *Watcher) send(ctx context.Context, out chan<- Claimed, c Claimed) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
