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

// Package memory implements a self-contained in-memory backend keeping
// all items in a btree ordered by key and a min heap ordered by expiry
// time. Expired items are removed lazily on access, so the backend
// needs no background goroutines.
package memory

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/backend"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// BackendName is the name of this backend in the backend registry.
const BackendName = "memory"

const btreeDegree = 8

// Config holds memory backend configuration parameters.
type Config struct {
	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock
	// EventsOff turns off event generation, used by caches that do not
	// need a change feed.
	EventsOff bool
	// BufferSize is the size of the event fan-out buffer.
	BufferSize int
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.BufferSize == 0 {
		c.BufferSize = backend.DefaultBufferCapacity
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// New creates a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	buf := backend.NewEventBuffer(cfg.BufferSize)
	buf.SetInit()
	return &Memory{
		cfg: cfg,
		logger: logutils.NewPackageLogger(
			aussie.ComponentKey, aussie.Component(aussie.ComponentBackend, BackendName),
		),
		tree: btree.NewG(btreeDegree, less),
		heap: newMinHeap(),
		buf:  buf,
	}, nil
}

// NewFromParams creates a memory backend from a parsed configuration
// parameter bag, this is the registry entry point.
func NewFromParams(ctx context.Context, params backend.Params) (backend.Backend, error) {
	var cfg Config
	if err := params.Decode(&cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	bk, err := New(cfg)
	return bk, trace.Wrap(err)
}

// Memory is an in-memory btree backed backend.
type Memory struct {
	cfg    Config
	logger *slog.Logger

	// mu protects the tree, the heap and the closed flag.
	mu     sync.Mutex
	tree   *btree.BTreeG[*btreeItem]
	heap   *minHeap
	buf    *backend.EventBuffer
	closed bool
}

// GetName returns the name of this backend implementation.
func (m *Memory) GetName() string {
	return BackendName
}

// Close closes the backend and releases all watchers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.buf.Close()
	return nil
}

// CloseWatchers closes all the watchers without closing the backend.
func (m *Memory) CloseWatchers() {
	m.buf.Clear()
}

// Clock returns the clock used by this backend.
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// Create creates an item if it does not exist.
func (m *Memory) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if i.Key.IsZero() {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	if _, found := m.tree.Get(&btreeItem{Item: i}); found {
		return nil, trace.AlreadyExists("key %q already exists", i.Key.String())
	}
	i.Revision = backend.CreateRevision()
	m.put(i)
	return lease(i), nil
}

// Put puts a value into the backend, overwriting an existing value.
func (m *Memory) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if i.Key.IsZero() {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	i.Revision = backend.CreateRevision()
	m.put(i)
	return lease(i), nil
}

// Update updates an item, failing if it does not exist.
func (m *Memory) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if i.Key.IsZero() {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	if _, found := m.tree.Get(&btreeItem{Item: i}); !found {
		return nil, trace.NotFound("key %q is not found", i.Key.String())
	}
	i.Revision = backend.CreateRevision()
	m.put(i)
	return lease(i), nil
}

// ConditionalUpdate updates an item if the stored revision matches the
// revision of the supplied item.
func (m *Memory) ConditionalUpdate(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if i.Key.IsZero() {
		return nil, trace.BadParameter("missing parameter key")
	}
	if i.Revision == "" {
		return nil, trace.Wrap(backend.ErrIncorrectRevision, "missing revision")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	existing, found := m.tree.Get(&btreeItem{Item: i})
	if !found || existing.Revision != i.Revision {
		return nil, trace.Wrap(backend.ErrIncorrectRevision)
	}
	i.Revision = backend.CreateRevision()
	m.put(i)
	return lease(i), nil
}

// CompareAndSwap compares the existing item value with expected and
// replaces it with replaceWith if they match.
func (m *Memory) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) (*backend.Lease, error) {
	if expected.Key.IsZero() {
		return nil, trace.BadParameter("missing parameter Key")
	}
	if replaceWith.Key.IsZero() {
		return nil, trace.BadParameter("missing parameter Key")
	}
	if expected.Key.Compare(replaceWith.Key) != 0 {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	existing, found := m.tree.Get(&btreeItem{Item: expected})
	if !found {
		return nil, trace.CompareFailed("key %q is not found", expected.Key.String())
	}
	if !bytes.Equal(existing.Value, expected.Value) {
		return nil, trace.CompareFailed("current value does not match expected for %v", expected.Key.String())
	}
	replaceWith.Revision = backend.CreateRevision()
	m.put(replaceWith)
	return lease(replaceWith), nil
}

// Get returns a single item or NotFound.
func (m *Memory) Get(ctx context.Context, key backend.Key) (*backend.Item, error) {
	if key.IsZero() {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	item, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !found {
		return nil, trace.NotFound("key %q is not found", key.String())
	}
	out := item.Item
	return &out, nil
}

// GetRange returns items in the half-open range [startKey, endKey).
func (m *Memory) GetRange(ctx context.Context, startKey, endKey backend.Key, limit int) (*backend.GetResult, error) {
	if startKey.IsZero() {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if endKey.IsZero() {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	var res backend.GetResult
	m.tree.AscendRange(
		&btreeItem{Item: backend.Item{Key: startKey}},
		&btreeItem{Item: backend.Item{Key: endKey}},
		func(item *btreeItem) bool {
			res.Items = append(res.Items, item.Item)
			return limit <= backend.NoLimit || len(res.Items) < limit
		})
	return &res, nil
}

// Delete deletes an item, returning NotFound if it does not exist.
func (m *Memory) Delete(ctx context.Context, key backend.Key) error {
	if key.IsZero() {
		return trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	item, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !found {
		return trace.NotFound("key %q is not found", key.String())
	}
	m.deleteItem(item)
	return nil
}

// ConditionalDelete deletes an item if the stored revision matches.
func (m *Memory) ConditionalDelete(ctx context.Context, key backend.Key, revision string) error {
	if key.IsZero() {
		return trace.BadParameter("missing parameter key")
	}
	if revision == "" {
		return trace.Wrap(backend.ErrIncorrectRevision, "missing revision")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	item, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !found || item.Revision != revision {
		return trace.Wrap(backend.ErrIncorrectRevision)
	}
	m.deleteItem(item)
	return nil
}

// DeleteRange deletes all items in the half-open range [startKey, endKey).
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey backend.Key) error {
	if startKey.IsZero() {
		return trace.BadParameter("missing parameter startKey")
	}
	if endKey.IsZero() {
		return trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()
	var removed []*btreeItem
	m.tree.AscendRange(
		&btreeItem{Item: backend.Item{Key: startKey}},
		&btreeItem{Item: backend.Item{Key: endKey}},
		func(item *btreeItem) bool {
			removed = append(removed, item)
			return true
		})
	for _, item := range removed {
		m.deleteItem(item)
	}
	return nil
}

// AtomicWrite executes a batch of conditional actions atomically. Either
// all conditions hold and all actions are applied, or no action is.
func (m *Memory) AtomicWrite(ctx context.Context, condacts []backend.ConditionalAction) (revision string, err error) {
	if err := backend.ValidateAtomicWrite(condacts); err != nil {
		return "", trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpired()

	// Check phase, no mutations until every condition is known to hold.
	for _, ca := range condacts {
		existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: ca.Key}})
		switch ca.Condition.Kind {
		case backend.KindWhatever:
		case backend.KindExists:
			if !found {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		case backend.KindNotExists:
			if found {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		case backend.KindRevision:
			if !found || existing.Revision != ca.Condition.Revision {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		default:
			return "", trace.BadParameter("unexpected condition kind %v in conditional action against key %q", ca.Condition.Kind, ca.Key.String())
		}
	}

	revision = backend.CreateRevision()
	var includesPut bool
	for _, ca := range condacts {
		switch ca.Action.Kind {
		case backend.KindNop:
		case backend.KindPut:
			includesPut = true
			item := ca.Action.Item
			item.Key = ca.Key
			item.Revision = revision
			m.put(item)
		case backend.KindDelete:
			if item, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: ca.Key}}); found {
				m.deleteItem(item)
			}
		default:
			return "", trace.BadParameter("unexpected action kind %v in conditional action against key %q", ca.Action.Kind, ca.Key.String())
		}
	}
	if !includesPut {
		return "", nil
	}
	return revision, nil
}

// NewWatcher returns a new event watcher.
func (m *Memory) NewWatcher(ctx context.Context, watch backend.Watch) (backend.Watcher, error) {
	if m.cfg.EventsOff {
		return nil, trace.BadParameter("events are turned off for this backend")
	}
	return m.buf.NewWatcher(ctx, watch)
}

// put stores an item copy in the tree and the expiry heap and emits a
// put event. The caller must hold the lock.
func (m *Memory) put(i backend.Item) {
	item := &btreeItem{Item: i, index: -1}
	if existing, found := m.tree.ReplaceOrInsert(item); found {
		m.heap.RemoveEl(existing)
	}
	if !i.Expires.IsZero() {
		m.heap.PushEl(item)
	}
	if !m.cfg.EventsOff {
		m.buf.Emit(backend.Event{Type: backend.OpPut, Item: i})
	}
}

// deleteItem removes an item from the tree and the heap and emits a
// delete event. The caller must hold the lock.
func (m *Memory) deleteItem(item *btreeItem) {
	m.tree.Delete(item)
	m.heap.RemoveEl(item)
	if !m.cfg.EventsOff {
		m.buf.Emit(backend.Event{
			Type: backend.OpDelete,
			Item: backend.Item{Key: item.Key},
		})
	}
}

// removeExpired pops expired items off the heap and deletes them from
// the tree. The caller must hold the lock.
func (m *Memory) removeExpired() int {
	var removed int
	now := m.cfg.Clock.Now()
	for m.heap.Len() > 0 {
		item := m.heap.PeekEl()
		if now.Before(item.Expires) {
			break
		}
		m.heap.PopEl()
		m.tree.Delete(item)
		removed++
		if !m.cfg.EventsOff {
			m.buf.Emit(backend.Event{
				Type: backend.OpDelete,
				Item: backend.Item{Key: item.Key},
			})
		}
	}
	if removed > 0 {
		m.logger.Debug("Removed expired items.", "count", removed)
	}
	return removed
}

func lease(i backend.Item) *backend.Lease {
	return &backend.Lease{Key: i.Key, Revision: i.Revision}
}
