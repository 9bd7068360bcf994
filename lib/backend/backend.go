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

// Package backend provides the storage abstraction the gateway keeps its
// durable state in: signing keys, translation configs, revocations and
// PKCE challenges.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

const (
	// Forever means that the item will not expire unless deleted.
	Forever time.Duration = 0

	// NoLimit disables the limit of a range read.
	NoLimit = 0
)

// ErrIncorrectRevision is returned from conditional operations when the
// revision in storage does not match the submitted one.
var ErrIncorrectRevision = &trace.CompareFailedError{
	Message: "resource revision does not match, it may have been concurrently created|modified|deleted; please work from the latest state, or use an unconditional operation",
}

// Backend implements an abstraction over local or remote storage.
// Item keys are assumed to be valid UTF8.
type Backend interface {
	// GetName returns the name of the backend implementation as it
	// appears in the storage section of the config file.
	GetName() string

	// Create creates an item if it does not exist, and returns
	// AlreadyExists otherwise.
	Create(ctx context.Context, i Item) (*Lease, error)

	// Put puts an item into the backend (creates if it does not exist,
	// updates it otherwise).
	Put(ctx context.Context, i Item) (*Lease, error)

	// CompareAndSwap compares the value of the existing item with
	// expected and replaces it with replaceWith when they match.
	CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) (*Lease, error)

	// Update updates an existing item, and returns NotFound if the item
	// does not exist.
	Update(ctx context.Context, i Item) (*Lease, error)

	// ConditionalUpdate updates an existing item only if its stored
	// revision matches the one of i, and returns ErrIncorrectRevision
	// otherwise.
	ConditionalUpdate(ctx context.Context, i Item) (*Lease, error)

	// Get returns a single item or NotFound.
	Get(ctx context.Context, key Key) (*Item, error)

	// GetRange returns the items between startKey (inclusive) and endKey
	// (exclusive), up to limit when it is positive.
	GetRange(ctx context.Context, startKey, endKey Key, limit int) (*GetResult, error)

	// Delete deletes an item by key, and returns NotFound if the item
	// does not exist.
	Delete(ctx context.Context, key Key) error

	// ConditionalDelete deletes the item only if its stored revision
	// matches, and returns ErrIncorrectRevision otherwise.
	ConditionalDelete(ctx context.Context, key Key, revision string) error

	// DeleteRange deletes the items between startKey and endKey.
	DeleteRange(ctx context.Context, startKey, endKey Key) error

	// AtomicWrite applies a batch of conditional actions atomically. If
	// all conditions hold, all actions are applied in a single write; if
	// any condition fails, no action is taken and ErrConditionFailed is
	// returned. The returned revision is assigned to all puts in the
	// batch.
	AtomicWrite(ctx context.Context, condacts []ConditionalAction) (revision string, err error)

	// NewWatcher returns a new event watcher.
	NewWatcher(ctx context.Context, watch Watch) (Watcher, error)

	// Clock returns the clock used by this backend.
	Clock() clockwork.Clock

	// CloseWatchers closes all watchers without closing the backend.
	CloseWatchers()

	// Close closes the backend and all associated resources.
	Close() error
}

// Item is a versioned key value record, optionally with an expiry.
type Item struct {
	// Key is the unique identifier of the item.
	Key Key
	// Value is the value of the item.
	Value []byte
	// Expires is an optional record expiry time.
	Expires time.Time
	// Revision identifies the version of the item in storage. It is
	// assigned by the backend on every write.
	Revision string
}

// Lease is returned from write operations and identifies the written
// version of an item.
type Lease struct {
	// Key is the key of the written item.
	Key Key
	// Revision is the revision assigned by the write.
	Revision string
}

// IsEmpty returns true if the lease is a zero value.
func (l *Lease) IsEmpty() bool {
	return l.Revision == "" && l.Key.IsZero()
}

// GetResult provides the result of a GetRange request.
type GetResult struct {
	// Items is the list of items in the range, ordered by key.
	Items []Item
}

// Watch specifies watcher parameters.
type Watch struct {
	// Name is a watch name set for debugging purposes.
	Name string
	// Prefixes specifies the key prefixes to watch. An empty list
	// subscribes to all events.
	Prefixes []Key
	// QueueSize is an optional per watcher queue size.
	QueueSize int
}

// String returns a user-friendly description of the watch.
func (w *Watch) String() string {
	prefixes := make([]string, 0, len(w.Prefixes))
	for _, p := range w.Prefixes {
		prefixes = append(prefixes, p.String())
	}
	return fmt.Sprintf("Watcher(name=%v, prefixes=%v)", w.Name, strings.Join(prefixes, ", "))
}

// Watcher streams events from the backend.
type Watcher interface {
	// Events returns the channel with events.
	Events() <-chan Event

	// Done returns the channel signalling the closure.
	Done() <-chan struct{}

	// Close closes the watcher and releases all associated resources.
	Close() error
}

// OpType is the type of an operation carried by an event.
type OpType int

const (
	// OpInvalid is the zero value and never emitted.
	OpInvalid OpType = iota
	// OpInit is emitted once the watcher is fully initialized.
	OpInit
	// OpPut is emitted when an item is created or updated.
	OpPut
	// OpDelete is emitted when an item is deleted or expires.
	OpDelete
)

// String returns the text representation of the operation type.
func (o OpType) String() string {
	switch o {
	case OpInit:
		return "init"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "invalid"
	}
}

// Event is an operation on an item.
type Event struct {
	// Type is the operation type.
	Type OpType
	// Item is the item the operation applies to. Delete events only
	// carry the key.
	Item Item
}

// CreateRevision generates a new identifier to be used as an item
// revision.
func CreateRevision() string {
	return uuid.NewString()
}

// TTL returns the time to live of an item with the given expiry,
// bottoming out at zero.
func TTL(clock clockwork.Clock, expires time.Time) time.Duration {
	ttl := expires.Sub(clock.Now())
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Expiry converts a ttl to an absolute expiry time. A non-positive ttl
// yields the zero time, i.e. no expiry.
func Expiry(clock clockwork.Clock, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return clock.Now().Add(ttl)
}

// EarliestExpiry returns the earliest non-zero expiry of the given times,
// or the zero time when none is set.
func EarliestExpiry(times ...time.Time) time.Time {
	var earliest time.Time
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}
