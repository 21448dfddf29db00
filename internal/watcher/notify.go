package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/docwatch/agent/internal/config"
)

// NotifyWatcher delivers changes in one directory tree using kernel
// notifications through fsnotify. In recursive mode every sub-directory is
// registered, including directories created after Start. It implements
// [Watcher].
type NotifyWatcher struct {
	dir     config.DirectoryConfig
	matcher Matcher
	handle  Handler
	logger  *slog.Logger
	now     func() time.Time
	onError func(error)

	fsw *fsnotify.Watcher
	// dirs holds every directory path seen under the root. Owned by the run
	// goroutine once Start returns.
	dirs     map[string]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNotifyWatcher creates a NotifyWatcher for dir. Nothing is registered
// with the kernel until Start is called.
func NewNotifyWatcher(dir config.DirectoryConfig, handle Handler, logger *slog.Logger) *NotifyWatcher {
	return &NotifyWatcher{
		dir:     dir,
		matcher: NewMatcher(dir.Patterns()),
		handle:  handle,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		dirs:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// OnError installs a callback invoked for every error reported by the
// watch mechanism. The watcher logs the error itself; fn need not. It must
// be called before Start.
func (nw *NotifyWatcher) OnError(fn func(error)) {
	nw.onError = fn
}

// Start registers the watch and begins delivering events. It returns an
// error if the root directory cannot be watched.
func (nw *NotifyWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify watcher: create: %w", err)
	}
	if err := fsw.Add(nw.dir.Path); err != nil {
		fsw.Close() //nolint:errcheck
		return fmt.Errorf("notify watcher: watch %q: %w", nw.dir.Path, err)
	}
	nw.fsw = fsw
	nw.dirs[filepath.Clean(nw.dir.Path)] = struct{}{}
	if nw.dir.Recursive {
		nw.addTree(nw.dir.Path, false)
	} else {
		nw.addChildDirs(nw.dir.Path)
	}

	nw.wg.Add(1)
	go nw.run(ctx)

	nw.logger.Info("notify watcher: started",
		slog.String("path", nw.dir.Path),
		slog.Bool("recursive", nw.dir.Recursive),
		slog.Any("filters", nw.dir.Patterns()),
	)
	return nil
}

// Stop removes the watch and blocks until the event goroutine exits. It is
// idempotent and safe to call when Start failed.
func (nw *NotifyWatcher) Stop() {
	nw.stopOnce.Do(func() {
		close(nw.done)
		nw.wg.Wait()
		if nw.fsw != nil {
			nw.fsw.Close() //nolint:errcheck
		}
	})
}

func (nw *NotifyWatcher) run(ctx context.Context) {
	defer nw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-nw.done:
			return
		case ev, ok := <-nw.fsw.Events:
			if !ok {
				return
			}
			nw.handleEvent(ev)
		case err, ok := <-nw.fsw.Errors:
			if !ok {
				return
			}
			if nw.onError != nil {
				nw.onError(err)
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				nw.logger.Warn("notify watcher: kernel event queue overflowed, changes may be missed",
					slog.String("path", nw.dir.Path),
				)
				continue
			}
			nw.logger.Warn("notify watcher: watch error",
				slog.String("path", nw.dir.Path),
				slog.Any("error", err),
			)
		}
	}
}

// handleEvent translates one fsnotify event and forwards the resulting
// canonical events. Directories are never documents: their creation only
// extends the watch and their removal or rename is dropped.
func (nw *NotifyWatcher) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			nw.dirs[ev.Name] = struct{}{}
			if nw.dir.Recursive {
				// Files moved in together with the directory produce no
				// events of their own.
				nw.addTree(ev.Name, true)
			}
			return
		}
		delete(nw.dirs, ev.Name)
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, ok := nw.dirs[ev.Name]; ok {
			nw.logger.Debug("notify watcher: directory went away",
				slog.String("path", ev.Name),
			)
			return
		}
	}

	raw := translate(ev)
	if raw.Kind == RawOther {
		return
	}
	if !nw.matcher.Match(ev.Name) {
		return
	}
	nw.emit(raw)
}

// translate maps fsnotify operations onto raw kinds. fsnotify reports a
// rename as Rename on the old name followed by Create on the new name, so a
// Rename carries only the source side.
func translate(ev fsnotify.Event) RawChange {
	name := filepath.Base(ev.Name)
	switch {
	case ev.Has(fsnotify.Remove):
		return RawChange{Kind: RawDeleted, Name: name, Path: ev.Name}
	case ev.Has(fsnotify.Rename):
		return RawChange{Kind: RawRenamed, OldName: name, OldPath: ev.Name}
	case ev.Has(fsnotify.Create):
		return RawChange{Kind: RawCreated, Name: name, Path: ev.Name}
	case ev.Has(fsnotify.Write):
		return RawChange{Kind: RawModified, Name: name, Path: ev.Name}
	default:
		return RawChange{Kind: RawOther}
	}
}

// addTree registers root and every directory beneath it. When announce is
// set, regular files found on the way are reported as created.
func (nw *NotifyWatcher) addTree(root string, announce bool) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			nw.logger.Warn("notify watcher: cannot read entry",
				slog.String("path", path),
				slog.Any("error", err),
			)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			nw.dirs[path] = struct{}{}
			if err := nw.fsw.Add(path); err != nil {
				nw.logger.Warn("notify watcher: cannot watch sub-directory",
					slog.String("path", path),
					slog.Any("error", err),
				)
				return fs.SkipDir
			}
			return nil
		}
		if announce && d.Type().IsRegular() && nw.matcher.Match(d.Name()) {
			nw.emit(RawChange{Kind: RawCreated, Name: d.Name(), Path: path})
		}
		return nil
	})
	if err != nil {
		nw.logger.Warn("notify watcher: cannot walk directory",
			slog.String("path", root),
			slog.Any("error", err),
		)
	}
}

// addChildDirs records the immediate sub-directories of root without
// watching them.
func (nw *NotifyWatcher) addChildDirs(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		nw.logger.Warn("notify watcher: cannot read directory",
			slog.String("path", root),
			slog.Any("error", err),
		)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			nw.dirs[filepath.Join(root, e.Name())] = struct{}{}
		}
	}
}

func (nw *NotifyWatcher) emit(raw RawChange) {
	for _, evt := range Normalize(raw, nw.now()) {
		nw.logger.Debug("notify watcher: change observed",
			slog.String("path", evt.Path),
			slog.String("kind", evt.Kind.String()),
		)
		nw.handle(evt)
	}
}

// New returns the watcher implementation selected by dir.Mode. onError may be
// nil.
func New(dir config.DirectoryConfig, handle Handler, onError func(error), logger *slog.Logger) Watcher {
	if dir.Mode == config.WatchModePoll {
		pw := NewPollWatcher(dir, handle, logger)
		pw.OnError(onError)
		return pw
	}
	nw := NewNotifyWatcher(dir, handle, logger)
	nw.OnError(onError)
	return nw
}
