// Package spool manages the on-disk request queue: directory layout,
// atomic claim-by-rename, ID synthesis, and the admission handoff.
package spool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/baiirun/swarmd/internal/spoolproto"
)

// Dirs is the fixed directory layout rooted at the spool directory.
type Dirs struct {
	Root       string
	Requests   string
	Processing string
	Results    string
	Logs       string
	Context    string
}

// NewDirs derives the fixed layout from a spool root.
func NewDirs(root string) Dirs {
	return Dirs{
		Root:       root,
		Requests:   filepath.Join(root, "requests"),
		Processing: filepath.Join(root, "processing"),
		Results:    filepath.Join(root, "results"),
		Logs:       filepath.Join(root, "logs"),
		Context:    filepath.Join(root, "context"),
	}
}

// EnsureAll creates every subdirectory. Failure here is fatal at startup,
// per the Spool Watcher's failure semantics.
func (d Dirs) EnsureAll() error {
	for _, dir := range []string{d.Requests, d.Processing, d.Results, d.Logs, d.Context} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating spool directory %s: %w", dir, err)
		}
	}
	return nil
}

// Claimed is a request that has been read, parsed, and moved into the
// processing/ claim area, ready to be handed to the admission gate.
type Claimed struct {
	Request        spoolproto.Request
	ProcessingPath string
}

// Watcher turns filesystem activity into Claimed requests exactly once.
// It owns an in-run registry of requestIds to enforce uniqueness across
// everything this process instance has ever seen, per the invariant that
// requestId is immutable and unique "across all requests the coordinator
// has ever seen in this run." The only ID ever removed from the registry
// is that of a request Restore hands back to requests/.
type Watcher struct {
	dirs       Dirs
	log        *slog.Logger
	restoreDelay time.Duration

	mu      sync.Mutex
	seenIDs map[string]struct{}
}

// NewWatcher creates a Watcher over the given directory layout.
func NewWatcher(dirs Dirs, restoreDelay time.Duration, log *slog.Logger) *Watcher {
	return &Watcher{
		dirs:         dirs,
		log:          log,
		restoreDelay: restoreDelay,
		seenIDs:      make(map[string]struct{}),
	}
}

// ScanOnce lists requests/ and attempts to claim every *.json file found.
// Used both for the synchronous startup scan and as the body of the
// polling half of the dual watch loop.
func (w *Watcher) ScanOnce() []Claimed {
	entries, err := os.ReadDir(w.dirs.Requests)
	if err != nil {
		w.log.Error("spool: scanning requests directory failed", "dir", w.dirs.Requests, "error", err)
		return nil
	}

	var claimed []Claimed
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(w.dirs.Requests, entry.Name())
		c, ok := w.ProcessCandidate(path)
		if ok {
			claimed = append(claimed, c)
		}
	}
	return claimed
}

// ProcessCandidate implements the single idempotent processing routine
// that both the fsnotify event path and the polling path funnel into.
// A file that no longer exists at claim time is ignored, matching the
// spec's idempotence requirement under duplicate or racing notifications.
func (w *Watcher) ProcessCandidate(path string) (Claimed, bool) {
	if _, err := os.Stat(path); err != nil {
		return Claimed{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Claimed{}, false
		}
		w.log.Warn("spool: reading candidate failed, skipping", "path", path, "error", err)
		return Claimed{}, false
	}

	req, err := spoolproto.ParseRequest(data)
	if err != nil {
		w.log.Warn("spool: deleting unparseable request", "path", path, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			w.log.Error("spool: failed to delete unparseable request", "path", path, "error", rmErr)
		}
		return Claimed{}, false
	}

	if req.RequestID == "" {
		id, err := w.generateUniqueID()
		if err != nil {
			w.log.Error("spool: failed to synthesize request id", "path", path, "error", err)
			return Claimed{}, false
		}
		req.RequestID = id
	} else if !w.reserveID(req.RequestID) {
		w.log.Warn("spool: duplicate requestId seen, ignoring candidate", "requestId", req.RequestID, "path", path)
		return Claimed{}, false
	}

	procPath := filepath.Join(w.dirs.Processing, filepath.Base(path))
	if err := os.Rename(path, procPath); err != nil {
		// Another path already claimed it, or the source vanished. Abort
		// silently: the rename is the entire serialization point.
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Debug("spool: claim rename failed, assuming already handled", "path", path, "error", err)
		}
		return Claimed{}, false
	}

	return Claimed{Request: req, ProcessingPath: procPath}, true
}

// reserveID registers id if unseen, returning false on a duplicate.
func (w *Watcher) reserveID(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.seenIDs[id]; exists {
		return false
	}
	w.seenIDs[id] = struct{}{}
	return true
}

// generateUniqueID synthesizes a requestId and retries on the
// astronomically unlikely chance of a same-millisecond collision.
func (w *Watcher) generateUniqueID() (string, error) {
	for attempts := 0; attempts < 5; attempts++ {
		id, err := spoolproto.GenerateRequestID(time.Now())
		if err != nil {
			return "", err
		}
		if w.reserveID(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not synthesize a unique requestId after 5 attempts")
}

// Restore renames a claimed file back to requests/ after restoreDelay,
// used when the admission gate rejects a candidate for lack of capacity.
// The request's ID is released from the registry first, so the restored
// file can be claimed again on a later pass. The caller is expected to
// run this in its own goroutine.
func (w *Watcher) Restore(c Claimed) {
	time.Sleep(w.restoreDelay)
	w.mu.Lock()
	delete(w.seenIDs, c.Request.RequestID)
	w.mu.Unlock()
	dest := filepath.Join(w.dirs.Requests, filepath.Base(c.ProcessingPath))
	if err := os.Rename(c.ProcessingPath, dest); err != nil {
		w.log.Error("spool: restoring rejected request failed", "path", c.ProcessingPath, "error", err)
	}
}

// Discard removes a claimed file from processing/ once the supervisor has
// taken ownership of the in-memory context (or, for already-terminal
// outcomes like a health-check failure, once the request has been fully
// consumed without a task spawn).
func (w *Watcher) Discard(c Claimed) {
	if err := os.Remove(c.ProcessingPath); err != nil && !os.IsNotExist(err) {
		w.log.Error("spool: discarding processing file failed", "path", c.ProcessingPath, "error", err)
	}
}
