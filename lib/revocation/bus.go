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

package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Event types carried on the revocation bus.
const (
	// EventJTIRevoked announces a single revoked token.
	EventJTIRevoked = "jti"
	// EventUserRevoked announces a user level revocation. Subscribers do
	// not update bloom filters for these, user revocations are keyed by
	// subject and checked against the store directly.
	EventUserRevoked = "user"
)

// Event is a revocation broadcast to every gateway instance. Delivery
// is best effort, the periodic bloom filter rebuild repairs anything a
// subscriber missed.
type Event struct {
	// Type is one of EventJTIRevoked or EventUserRevoked.
	Type string `json:"type"`
	// JTI is the revoked token id, set for EventJTIRevoked.
	JTI string `json:"jti,omitempty"`
	// UserID is the revoked subject, set for EventUserRevoked.
	UserID string `json:"user_id,omitempty"`
	// IssuedBefore is the user revocation cutoff, set for
	// EventUserRevoked.
	IssuedBefore time.Time `json:"issued_before,omitempty"`
	// ExpiresAt is when the revocation itself lapses.
	ExpiresAt time.Time `json:"expires_at"`
}

// Check validates the event shape.
func (e *Event) Check() error {
	switch e.Type {
	case EventJTIRevoked:
		if e.JTI == "" {
			return trace.BadParameter("revocation event is missing the token id")
		}
	case EventUserRevoked:
		if e.UserID == "" {
			return trace.BadParameter("revocation event is missing the user id")
		}
	default:
		return trace.BadParameter("unknown revocation event type %q", e.Type)
	}
	return nil
}

// Handler consumes revocation events. Handlers must not block, they run
// on the delivery goroutine.
type Handler func(ctx context.Context, event Event)

// Bus fans revocation events out to subscribers. Implementations are
// at-least-once at best: duplicates are possible and deliveries can be
// lost, so consumers must be idempotent and reconcile against the store
// periodically.
type Bus interface {
	// Publish broadcasts the event. Returns an error when the event
	// could not be handed to the transport, callers treat that as
	// degraded rather than failing the revocation itself.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers a handler and returns a function that removes
	// it again.
	Subscribe(handler Handler) func()
}

// LocalBus delivers events to subscribers in the same process,
// synchronously on the publishing goroutine. It backs single instance
// deployments and the local fanout of the redis bus.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// NewLocalBus creates an in-process revocation bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]Handler)}
}

// Publish delivers the event to every subscriber, see Bus.
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, event)
	}
	return nil
}

// Subscribe registers a handler, see Bus.
func (b *LocalBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}
