// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package ingest

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// pathIDSpace namespaces file ids derived from watched paths.
var pathIDSpace = uuid.MustParse("0b7d6c1e-58a4-4f0e-a3a9-2d61c4f9e7b3")

// PathFileID returns the stable file id of a watched path, so edits to the
// same path re-index the same file.
func PathFileID(tenantID, path string) string {
	return uuid.NewSHA1(pathIDSpace, []byte(tenantID+"\x00"+filepath.Clean(path))).String()
}

// ChangeType classifies a filesystem change.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Change is one relevant file event.
type Change struct {
	Type ChangeType
	Path string
}

// DefaultDebounce coalesces bursts of writes to one file.
const DefaultDebounce = 500 * time.Millisecond

// Watcher mirrors a directory tree into a tenant's documents. New and
// modified files with supported extensions are ingested; removed files are
// deleted. Hidden files and directories are ignored.
type Watcher struct {
	svc      *Service
	tenantID string
	root     string
	debounce time.Duration
}

// NewWatcher creates a Watcher for root.
func NewWatcher(svc *Service, tenantID, root string) *Watcher {
	return &Watcher{svc: svc, tenantID: tenantID, root: root, debounce: DefaultDebounce}
}

// SetDebounce changes the quiet period before a changed file is ingested.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Sync ingests every supported file under root once and returns how many
// succeeded. Per-file failures are logged and do not stop the walk.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	n := 0
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path != w.root && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !Supported(path) {
			return nil
		}
		if err := w.apply(ctx, Change{Type: ChangeCreated, Path: path}); err == nil {
			n++
		}
		return nil
	})
	if err != nil {
		return n, quarryerr.Errorf(quarryerr.CodeIngestWatchFailure, "walking %s: %w", w.root, err)
	}
	return n, nil
}

// Run watches root until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeIngestWatchFailure, "creating watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	slog.Info("watching directory", "path", w.root, "tenant_id", w.tenantID)

	pending := make(map[string]Change)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && ev.Has(fsnotify.Create) && !isHidden(info.Name()) {
				if err := w.addTree(fw, ev.Name); err != nil {
					slog.Warn("watching new directory", "path", ev.Name, "error", err)
				}
				continue
			}
			if ch := w.handleEvent(ev); ch != nil {
				pending[ch.Path] = mergeChange(pending[ch.Path], *ch)
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "path", w.root, "error", err)
		case <-timer.C:
			for _, ch := range pending {
				_ = w.apply(ctx, ch)
			}
			clear(pending)
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return quarryerr.Errorf(quarryerr.CodeIngestWatchFailure, "watching %s: %w", path, err)
		}
		return nil
	})
}

// handleEvent maps an fsnotify event to a Change, or nil when the event is
// irrelevant.
func (w *Watcher) handleEvent(ev fsnotify.Event) *Change {
	if isHidden(filepath.Base(ev.Name)) || !Supported(ev.Name) {
		return nil
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return &Change{Type: ChangeDeleted, Path: ev.Name}
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
			return nil
		}
		return &Change{Type: ChangeCreated, Path: ev.Name}
	case ev.Has(fsnotify.Write):
		if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
			return nil
		}
		return &Change{Type: ChangeUpdated, Path: ev.Name}
	}
	return nil
}

// mergeChange folds a newer event into a pending one. A file that appears
// and changes in one window is still a creation.
func mergeChange(prev, next Change) Change {
	if prev.Type == ChangeCreated && next.Type == ChangeUpdated {
		return prev
	}
	return next
}

func (w *Watcher) apply(ctx context.Context, ch Change) error {
	fileID := PathFileID(w.tenantID, ch.Path)
	if ch.Type == ChangeDeleted {
		err := w.svc.Delete(ctx, w.tenantID, fileID)
		if err != nil && !quarryerr.IsNotFound(err) {
			slog.Warn("removing watched file", "path", ch.Path, "error", err)
			return err
		}
		return nil
	}

	f, err := os.Open(ch.Path)
	if err != nil {
		slog.Warn("opening watched file", "path", ch.Path, "error", err)
		return err
	}
	defer func() { _ = f.Close() }()

	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	if _, err := w.svc.Ingest(ctx, w.tenantID, fileID, ch.Path, size, f); err != nil {
		slog.Warn("ingesting watched file", "path", ch.Path, "change", string(ch.Type), "error", err)
		return err
	}
	return nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
