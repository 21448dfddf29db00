package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docwatch/agent/internal/config"
)

// fileState holds the stable metadata for a single path snapshot entry.
type fileState struct {
	size    int64
	modTime time.Time
}

// PollWatcher detects changes in one directory tree by comparing periodic
// snapshots. No kernel handle is held, so it works on network mounts that
// never deliver notifications and tolerates a root that does not exist yet.
// It implements [Watcher] and is safe for concurrent use.
type PollWatcher struct {
	dir      config.DirectoryConfig
	matcher  Matcher
	handle   Handler
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	onError  func(error)

	done  chan struct{}
	ready chan struct{}

	mu       sync.Mutex
	snapshot map[string]fileState
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPollWatcher creates a PollWatcher for dir. Events are delivered to
// handle from the poll goroutine. dir.PollInterval controls the snapshot
// frequency; zero uses config.DefaultPollInterval.
func NewPollWatcher(dir config.DirectoryConfig, handle Handler, logger *slog.Logger) *PollWatcher {
	interval := dir.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	return &PollWatcher{
		dir:      dir,
		matcher:  NewMatcher(dir.Patterns()),
		handle:   handle,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		snapshot: make(map[string]fileState),
	}
}

// OnError installs a callback invoked for every scan error after it has been
// logged. It must be called before Start.
func (pw *PollWatcher) OnError(fn func(error)) {
	pw.onError = fn
}

// Start takes the initial snapshot and begins polling in a background
// goroutine. The goroutine exits when ctx is cancelled or Stop is called.
func (pw *PollWatcher) Start(ctx context.Context) error {
	pw.wg.Add(1)
	go pw.run(ctx)
	return nil
}

// Stop ends polling and blocks until the background goroutine exits. It is
// idempotent.
func (pw *PollWatcher) Stop() {
	pw.stopOnce.Do(func() {
		close(pw.done)
		pw.wg.Wait()
	})
}

// Ready returns a channel that is closed once the initial snapshot has been
// taken. Changes made before Ready fires are treated as the initial state.
func (pw *PollWatcher) Ready() <-chan struct{} {
	return pw.ready
}

func (pw *PollWatcher) run(ctx context.Context) {
	defer pw.wg.Done()

	pw.mu.Lock()
	pw.snapshot = pw.scan()
	pw.mu.Unlock()
	close(pw.ready)

	pw.logger.Info("poll watcher: started",
		slog.String("path", pw.dir.Path),
		slog.Duration("interval", pw.interval),
		slog.Bool("recursive", pw.dir.Recursive),
	)

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.done:
			return
		case <-ticker.C:
			pw.mu.Lock()
			current := pw.scan()
			pw.diff(pw.snapshot, current)
			pw.snapshot = current
			pw.mu.Unlock()
		}
	}
}

// scan walks the watched tree and returns a path→fileState snapshot of every
// regular file that passes the filter. A missing root yields an empty
// snapshot so that a later appearance is reported as creations.
func (pw *PollWatcher) scan() map[string]fileState {
	result := make(map[string]fileState)
	root := pw.dir.Path

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			pw.logger.Warn("poll watcher: cannot read entry",
				slog.String("path", path),
				slog.Any("error", err),
			)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && !pw.dir.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !pw.matcher.Match(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		result[path] = fileState{size: fi.Size(), modTime: fi.ModTime()}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		pw.logger.Warn("poll watcher: cannot scan directory",
			slog.String("path", root),
			slog.Any("error", err),
		)
		if pw.onError != nil {
			pw.onError(err)
		}
	}
	return result
}

// diff compares two snapshots and emits one raw change per difference.
func (pw *PollWatcher) diff(old, current map[string]fileState) {
	for path, cur := range current {
		prev, existed := old[path]
		switch {
		case !existed:
			pw.emit(RawChange{Kind: RawCreated, Path: path})
		case cur.modTime != prev.modTime || cur.size != prev.size:
			pw.emit(RawChange{Kind: RawModified, Path: path})
		}
	}
	for path := range old {
		if _, ok := current[path]; !ok {
			pw.emit(RawChange{Kind: RawDeleted, Path: path})
		}
	}
}

func (pw *PollWatcher) emit(raw RawChange) {
	for _, evt := range Normalize(raw, pw.now()) {
		pw.logger.Debug("poll watcher: change observed",
			slog.String("path", evt.Path),
			slog.String("kind", evt.Kind.String()),
		)
		pw.handle(evt)
	}
}
