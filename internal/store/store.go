// Package store implements the coalescing store: an in-memory map from
// document identity to the latest pending message for that document.
//
// Any number of watcher goroutines call Add concurrently; a single dispatch
// loop calls DrainAll. Add never blocks on the consumer. Each Add is
// linearizable with respect to DrainAll, so an event racing a drain ends up
// either in the drained snapshot or in the store for the next drain, never
// both and never neither.
package store

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/docwatch/agent/internal/metrics"
	"github.com/docwatch/agent/internal/routing"
	"github.com/docwatch/agent/internal/watcher"
)

// PendingMessage is a routed change waiting for dispatch.
type PendingMessage struct {
	Event      watcher.ChangeEvent
	Index      string
	DocumentID string
}

// Resolver maps a changed path to its route. *routing.Table implements it.
type Resolver interface {
	Resolve(path string) (routing.Route, error)
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics attaches counters updated on every Add and DrainAll.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the coalescing store. It is safe for concurrent use.
type Store struct {
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]PendingMessage
}

// New returns an empty Store that routes events through resolver.
func New(resolver Resolver, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		resolver: resolver,
		logger:   logger,
		pending:  make(map[string]PendingMessage),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add routes evt and records it as the pending message for its document,
// replacing any message already pending for the same identity. Events with
// kind Ignore, events without a path, and events outside every watched
// directory are dropped without touching the store. Add is a
// watcher.Handler.
func (s *Store) Add(evt watcher.ChangeEvent) {
	if evt.Kind == watcher.Ignore {
		s.metrics.EventIgnored()
		return
	}
	if evt.Path == "" {
		s.logger.Warn("store: rejecting event without path",
			slog.String("kind", evt.Kind.String()),
		)
		s.metrics.EventIgnored()
		return
	}

	route, err := s.resolver.Resolve(evt.Path)
	if err != nil {
		s.logger.Warn("store: dropping event outside watched directories",
			slog.String("path", evt.Path),
			slog.Any("error", err),
		)
		s.metrics.RoutingMiss()
		return
	}

	msg := PendingMessage{Event: evt, Index: route.Index, DocumentID: route.DocumentID}

	s.mu.Lock()
	_, replaced := s.pending[msg.DocumentID]
	s.pending[msg.DocumentID] = msg
	s.metrics.SetPending(len(s.pending))
	s.mu.Unlock()

	s.metrics.EventAdded()
	s.logger.Debug("store: event added",
		slog.String("document_id", msg.DocumentID),
		slog.String("index", msg.Index),
		slog.String("kind", evt.Kind.String()),
		slog.Bool("coalesced", replaced),
	)
}

// DrainAll atomically removes and returns every pending message, ordered by
// document identity.
func (s *Store) DrainAll() []PendingMessage {
	s.mu.Lock()
	drained := s.pending
	s.pending = make(map[string]PendingMessage, len(drained))
	s.metrics.SetPending(0)
	s.mu.Unlock()

	return sorted(drained)
}

// Snapshot returns a copy of the pending messages without removing them.
func (s *Store) Snapshot() []PendingMessage {
	s.mu.Lock()
	cp := make(map[string]PendingMessage, len(s.pending))
	for k, v := range s.pending {
		cp[k] = v
	}
	s.mu.Unlock()
	return sorted(cp)
}

// HasPending reports whether at least one message is waiting.
func (s *Store) HasPending() bool {
	return s.Len() > 0
}

// Len returns the number of pending messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func sorted(m map[string]PendingMessage) []PendingMessage {
	out := make([]PendingMessage, 0, len(m))
	for _, msg := range m {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}
