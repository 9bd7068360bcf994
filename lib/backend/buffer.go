/*
 * Aussie
 * Copyright (C) 2024  Aussieco, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package backend

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"

	"github.com/aussieco/aussie"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// DefaultBufferCapacity is the default per watcher event queue size.
const DefaultBufferCapacity = 1024

// EventBuffer fans backend events out to any number of watchers. Watchers
// that fall too far behind are closed rather than blocking writes.
type EventBuffer struct {
	mu       sync.Mutex
	logger   *slog.Logger
	capacity int
	init     bool
	closed   bool
	watchers map[*bufferWatcher]struct{}
}

// NewEventBuffer creates a new event buffer with the given default
// watcher queue capacity.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &EventBuffer{
		logger:   logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentBackend),
		capacity: capacity,
		watchers: make(map[*bufferWatcher]struct{}),
	}
}

// SetInit marks the buffer as initialized. Watchers registered from now
// on receive an init event as their first event.
func (b *EventBuffer) SetInit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.init = true
}

// Emit broadcasts events to all registered watchers whose prefixes match.
func (b *EventBuffer) Emit(events ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for w := range b.watchers {
		for _, e := range events {
			if !w.matches(e) {
				continue
			}
			select {
			case w.eventsC <- e:
			default:
				b.logger.Warn("Closing watcher, buffer overflow at capacity",
					"watcher", w.name,
					"capacity", cap(w.eventsC),
				)
				delete(b.watchers, w)
				w.closeWatcher()
			}
		}
	}
}

// NewWatcher registers a new watcher on the buffer.
func (b *EventBuffer) NewWatcher(ctx context.Context, watch Watch) (Watcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, trace.ConnectionProblem(nil, "event buffer is closed")
	}
	if !b.init {
		return nil, trace.ConnectionProblem(nil, "event buffer is not initialized")
	}

	capacity := watch.QueueSize
	if capacity <= 0 {
		capacity = b.capacity
	}

	w := &bufferWatcher{
		buffer:   b,
		name:     watch.Name,
		prefixes: watch.Prefixes,
		eventsC:  make(chan Event, capacity),
		done:     make(chan struct{}),
	}

	// Init event is always the first event delivered.
	w.eventsC <- Event{Type: OpInit}
	b.watchers[w] = struct{}{}
	return w, nil
}

// Clear closes all registered watchers without closing the buffer.
func (b *EventBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for w := range b.watchers {
		delete(b.watchers, w)
		w.closeWatcher()
	}
}

// Close closes all registered watchers and the buffer itself.
func (b *EventBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for w := range b.watchers {
		delete(b.watchers, w)
		w.closeWatcher()
	}
	b.closed = true
	return nil
}

func (b *EventBuffer) removeWatcher(w *bufferWatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watchers, w)
}

type bufferWatcher struct {
	buffer   *EventBuffer
	name     string
	prefixes []Key
	eventsC  chan Event
	done     chan struct{}
	once     sync.Once
}

func (w *bufferWatcher) matches(e Event) bool {
	if e.Type == OpInit || len(w.prefixes) == 0 {
		return true
	}
	for _, p := range w.prefixes {
		if e.Item.Key.HasPrefix(p) {
			return true
		}
	}
	return false
}

// Events returns the channel the watcher receives events on.
func (w *bufferWatcher) Events() <-chan Event {
	return w.eventsC
}

// Done returns a channel closed when the watcher is closed.
func (w *bufferWatcher) Done() <-chan struct{} {
	return w.done
}

// Close unregisters the watcher from the buffer.
func (w *bufferWatcher) Close() error {
	w.buffer.removeWatcher(w)
	w.closeWatcher()
	return nil
}

// closeWatcher marks the watcher closed without touching the buffer
// registry. Callers must make sure the watcher was removed.
func (w *bufferWatcher) closeWatcher() {
	w.once.Do(func() {
		close(w.done)
	})
}
