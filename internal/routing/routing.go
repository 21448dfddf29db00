// Package routing maps changed paths onto the watched directory that owns
// them and derives the document identity used to key ingestion requests.
// A Table is built once at startup and is read-only afterwards, so it is
// safe for concurrent use without locking.
package routing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/docwatch/agent/internal/config"
	"github.com/docwatch/agent/internal/watcher"
)

// ErrNotFound is returned by Resolve when no watched directory contains the
// path.
var ErrNotFound = errors.New("routing: path is not under any watched directory")

// Separator joins the index name and the relative path segments of a
// document identity.
const Separator = "_"

// Directory is one entry of the routing table.
type Directory struct {
	Root        string
	Index       string
	Recursive   bool
	InitialScan bool
	Matcher     watcher.Matcher
}

// Route is the result of resolving a path.
type Route struct {
	// Index is the ingestion index of the owning directory.
	Index string
	// Root is the owning directory's watch root.
	Root string
	// RelPath is the path relative to Root.
	RelPath string
	// DocumentID is the deterministic identity of the document.
	DocumentID string
}

// Table is the ordered list of watched directories.
type Table struct {
	dirs []Directory
}

// NewTable builds a Table from directory configuration, preserving order.
func NewTable(dirs []config.DirectoryConfig) *Table {
	t := &Table{dirs: make([]Directory, 0, len(dirs))}
	for _, d := range dirs {
		index := d.Index
		if index == "" {
			index = config.DefaultIndex
		}
		t.dirs = append(t.dirs, Directory{
			Root:        filepath.Clean(d.Path),
			Index:       index,
			Recursive:   d.Recursive,
			InitialScan: d.InitialScan,
			Matcher:     watcher.NewMatcher(d.Patterns()),
		})
	}
	return t
}

// Directories returns the table entries in configured order.
func (t *Table) Directories() []Directory {
	out := make([]Directory, len(t.dirs))
	copy(out, t.dirs)
	return out
}

// Resolve returns the route of the first directory, in configured order,
// whose root contains path. A root only matches at a path-segment boundary:
// /data/docs owns /data/docs/a.txt but not /data/docs2/a.txt.
func (t *Table) Resolve(path string) (Route, error) {
	if path == "" {
		return Route{}, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	clean := filepath.Clean(path)
	for _, d := range t.dirs {
		rel, ok := within(d.Root, clean)
		if !ok {
			continue
		}
		return Route{
			Index:      d.Index,
			Root:       d.Root,
			RelPath:    rel,
			DocumentID: DocumentID(d.Index, rel),
		}, nil
	}
	return Route{}, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// within reports whether path lies strictly below root and returns the
// relative remainder.
func within(root, path string) (string, bool) {
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return "", false
	}
	return path[len(prefix):], true
}

// DocumentID derives the identity of the document at relPath within index.
// Path separators and spaces are replaced by Separator so the result is a
// single token, and the same inputs always yield the same identity.
func DocumentID(index, relPath string) string {
	var b strings.Builder
	b.Grow(len(index) + len(Separator) + len(relPath))
	b.WriteString(index)
	b.WriteString(Separator)
	for _, r := range relPath {
		switch r {
		case '/', '\\', ' ':
			b.WriteString(Separator)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Scan enumerates the regular files already present under dir, honouring its
// filter and recursion flag, and passes one Upsert event per file to fn. It
// returns the number of events produced. Unreadable sub-directories are
// skipped; a missing or unreadable root is an error.
func Scan(ctx context.Context, dir Directory, fn watcher.Handler) (int, error) {
	count := 0
	err := filepath.WalkDir(dir.Root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == dir.Root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir.Root && !dir.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !dir.Matcher.Match(d.Name()) {
			return nil
		}
		fn(watcher.NewEvent(watcher.Upsert, path, time.Now().UTC()))
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("routing: scan %s: %w", dir.Root, err)
	}
	return count, nil
}
