// Package watcher turns filesystem notifications into canonical change
// events. Raw notifications from any mechanism (kernel notifications through
// fsnotify, or snapshot polling) are described as RawChange values and
// normalised by Normalize into ChangeEvents that the rest of the pipeline
// understands.
package watcher

import (
	"context"
	"path/filepath"
	"time"
)

// Kind classifies a canonical change event.
type Kind uint8

const (
	// Ignore marks a notification that carries no ingestion meaning.
	Ignore Kind = iota
	// Upsert means the document exists and must be (re)uploaded.
	Upsert
	// Delete means the document is gone and must be removed from the index.
	Delete
)

// String returns the lower-case name of k.
func (k Kind) String() string {
	switch k {
	case Upsert:
		return "upsert"
	case Delete:
		return "delete"
	default:
		return "ignore"
	}
}

// ChangeEvent is the canonical, mechanism-independent description of one
// filesystem change. Values are immutable once constructed.
type ChangeEvent struct {
	// Kind is the ingestion meaning of the change.
	Kind Kind
	// FileName is the base name of the changed file.
	FileName string
	// Path is the absolute path of the changed file.
	Path string
	// ObservedAt is when the change was observed by the agent.
	ObservedAt time.Time
}

// NewEvent builds a ChangeEvent for path. The file name is derived from the
// last path element.
func NewEvent(kind Kind, path string, observedAt time.Time) ChangeEvent {
	return ChangeEvent{
		Kind:       kind,
		FileName:   filepath.Base(path),
		Path:       path,
		ObservedAt: observedAt,
	}
}

// RawKind classifies a raw notification as delivered by the underlying
// watch mechanism.
type RawKind uint8

const (
	RawOther RawKind = iota
	RawCreated
	RawModified
	RawDeleted
	RawRenamed
)

// RawChange is an engine-specific notification before normalisation. For
// RawRenamed, OldName/OldPath describe the source and Name/Path the
// destination; either side may be empty when the mechanism reports only one
// of them.
type RawChange struct {
	Kind    RawKind
	Name    string
	Path    string
	OldName string
	OldPath string
}

// Normalize maps a raw notification to zero, one or two canonical events.
//
//   - created or modified: one Upsert for Path
//   - deleted: one Delete for Path
//   - renamed: Delete for OldPath followed by Upsert for Path
//   - anything else: no events
func Normalize(raw RawChange, now time.Time) []ChangeEvent {
	switch raw.Kind {
	case RawCreated, RawModified:
		if raw.Path == "" {
			return nil
		}
		return []ChangeEvent{eventFor(Upsert, raw.Name, raw.Path, now)}

	case RawDeleted:
		if raw.Path == "" {
			return nil
		}
		return []ChangeEvent{eventFor(Delete, raw.Name, raw.Path, now)}

	case RawRenamed:
		// Order matters: the old identity is released before the new one
		// is claimed.
		events := make([]ChangeEvent, 0, 2)
		if raw.OldPath != "" {
			events = append(events, eventFor(Delete, raw.OldName, raw.OldPath, now))
		}
		if raw.Path != "" {
			events = append(events, eventFor(Upsert, raw.Name, raw.Path, now))
		}
		return events

	default:
		return nil
	}
}

func eventFor(kind Kind, name, path string, now time.Time) ChangeEvent {
	if name == "" {
		name = filepath.Base(path)
	} else {
		name = filepath.Base(name)
	}
	return ChangeEvent{Kind: kind, FileName: name, Path: path, ObservedAt: now}
}

// Handler receives canonical events. Handlers are invoked from watcher
// goroutines and must be safe for concurrent use.
type Handler func(ChangeEvent)

// Watcher is implemented by every change-notification mechanism.
type Watcher interface {
	// Start registers the watch and begins delivering events to the
	// handler supplied at construction. It returns once the watch is live.
	Start(ctx context.Context) error
	// Stop ends the watch and blocks until internal goroutines exit. It is
	// safe to call more than once.
	Stop()
}
