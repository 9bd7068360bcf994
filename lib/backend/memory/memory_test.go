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

package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func newBackend(t *testing.T) (*Memory, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := New(Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return bk, clock
}

func TestCreateGetPut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	key := backend.NewKey("configs", "tenant-a")
	lease, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)
	require.NotEmpty(t, lease.Revision)

	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.True(t, trace.IsAlreadyExists(err))

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), item.Value)
	require.Equal(t, lease.Revision, item.Revision)

	lease2, err := bk.Put(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.NoError(t, err)
	require.NotEqual(t, lease.Revision, lease2.Revision)

	item, err = bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), item.Value)

	_, err = bk.Get(ctx, backend.NewKey("configs", "missing"))
	require.True(t, trace.IsNotFound(err))
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	key := backend.NewKey("configs", "tenant-a")
	_, err := bk.Update(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.True(t, trace.IsNotFound(err))

	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	_, err = bk.Update(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.NoError(t, err)

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), item.Value)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	key := backend.NewKey("configs", "tenant-a")
	_, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	require.NoError(t, bk.Delete(ctx, key))
	require.True(t, trace.IsNotFound(bk.Delete(ctx, key)))

	_, err = bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func TestExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, clock := newBackend(t)

	short := backend.NewKey("revocations", "jti", "short")
	long := backend.NewKey("revocations", "jti", "long")
	_, err := bk.Put(ctx, backend.Item{Key: short, Value: []byte("x"), Expires: clock.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = bk.Put(ctx, backend.Item{Key: long, Value: []byte("x"), Expires: clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = bk.Get(ctx, short)
	require.True(t, trace.IsNotFound(err))
	_, err = bk.Get(ctx, long)
	require.NoError(t, err)

	res, err := bk.GetRange(ctx, backend.ExactKey("revocations"), backend.RangeEnd(backend.ExactKey("revocations")), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, long.String(), res.Items[0].Key.String())
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	key := backend.NewKey("keystore", "active")
	_, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("kid-1")})
	require.NoError(t, err)

	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("kid-0")},
		backend.Item{Key: key, Value: []byte("kid-2")})
	require.True(t, trace.IsCompareFailed(err))

	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("kid-1")},
		backend.Item{Key: key, Value: []byte("kid-2")})
	require.NoError(t, err)

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("kid-2"), item.Value)
}

func TestConditionalUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	key := backend.NewKey("configs", "tenant-a")
	lease, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	_, err = bk.ConditionalUpdate(ctx, backend.Item{Key: key, Value: []byte("v2"), Revision: "bogus"})
	require.ErrorIs(t, err, backend.ErrIncorrectRevision)

	lease2, err := bk.ConditionalUpdate(ctx, backend.Item{Key: key, Value: []byte("v2"), Revision: lease.Revision})
	require.NoError(t, err)
	require.NotEqual(t, lease.Revision, lease2.Revision)

	// The original revision is spent.
	_, err = bk.ConditionalUpdate(ctx, backend.Item{Key: key, Value: []byte("v3"), Revision: lease.Revision})
	require.ErrorIs(t, err, backend.ErrIncorrectRevision)
}

func TestConditionalDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	key := backend.NewKey("configs", "tenant-a")
	lease, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	err = bk.ConditionalDelete(ctx, key, "bogus")
	require.ErrorIs(t, err, backend.ErrIncorrectRevision)

	require.NoError(t, bk.ConditionalDelete(ctx, key, lease.Revision))

	err = bk.ConditionalDelete(ctx, key, lease.Revision)
	require.ErrorIs(t, err, backend.ErrIncorrectRevision)
}

func TestGetRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	for _, name := range []string{"c", "a", "b"} {
		_, err := bk.Put(ctx, backend.Item{Key: backend.NewKey("items", name), Value: []byte(name)})
		require.NoError(t, err)
	}
	// Shares leading bytes with the prefix but is not under it.
	_, err := bk.Put(ctx, backend.Item{Key: backend.NewKey("itemsuffix"), Value: []byte("x")})
	require.NoError(t, err)

	start := backend.ExactKey("items")
	res, err := bk.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	require.Equal(t, "/items/a", res.Items[0].Key.String())
	require.Equal(t, "/items/b", res.Items[1].Key.String())
	require.Equal(t, "/items/c", res.Items[2].Key.String())

	res, err = bk.GetRange(ctx, start, backend.RangeEnd(start), 2)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)

	require.NoError(t, bk.DeleteRange(ctx, start, backend.RangeEnd(start)))
	res, err = bk.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	require.NoError(t, err)
	require.Empty(t, res.Items)

	_, err = bk.Get(ctx, backend.NewKey("itemsuffix"))
	require.NoError(t, err)
}

func TestAtomicWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	active := backend.NewKey("keystore", "keys", "kid-1")
	pending := backend.NewKey("keystore", "keys", "kid-2")
	activeLease, err := bk.Create(ctx, backend.Item{Key: active, Value: []byte("active")})
	require.NoError(t, err)
	pendingLease, err := bk.Create(ctx, backend.Item{Key: pending, Value: []byte("pending")})
	require.NoError(t, err)

	// Both items transition in one write.
	rev, err := bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       active,
			Condition: backend.Revision(activeLease.Revision),
			Action:    backend.Put(backend.Item{Value: []byte("deprecated")}),
		},
		{
			Key:       pending,
			Condition: backend.Revision(pendingLease.Revision),
			Action:    backend.Put(backend.Item{Value: []byte("active")}),
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rev)

	item, err := bk.Get(ctx, active)
	require.NoError(t, err)
	require.Equal(t, []byte("deprecated"), item.Value)
	require.Equal(t, rev, item.Revision)

	item, err = bk.Get(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, []byte("active"), item.Value)
	require.Equal(t, rev, item.Revision)
}

func TestAtomicWriteConditionFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, _ := newBackend(t)

	key := backend.NewKey("keystore", "keys", "kid-1")
	other := backend.NewKey("keystore", "keys", "kid-2")
	lease, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	// A stale revision fails the whole batch, the unconditional put
	// must not be applied.
	_, err = bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{Key: key, Condition: backend.Revision("stale"), Action: backend.Put(backend.Item{Value: []byte("v2")})},
		{Key: other, Condition: backend.Whatever(), Action: backend.Put(backend.Item{Value: []byte("x")})},
	})
	require.ErrorIs(t, err, backend.ErrConditionFailed)

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), item.Value)
	_, err = bk.Get(ctx, other)
	require.True(t, trace.IsNotFound(err))

	// One-shot consumption: only the first delete with the live
	// revision wins.
	_, err = bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{Key: key, Condition: backend.Revision(lease.Revision), Action: backend.Delete()},
	})
	require.NoError(t, err)
	_, err = bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{Key: key, Condition: backend.Revision(lease.Revision), Action: backend.Delete()},
	})
	require.ErrorIs(t, err, backend.ErrConditionFailed)
}

func TestWatcher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk, clock := newBackend(t)

	w, err := bk.NewWatcher(ctx, backend.Watch{Name: "test", Prefixes: []backend.Key{backend.ExactKey("keys")}})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	ev := nextEvent(t, w)
	require.Equal(t, backend.OpInit, ev.Type)

	_, err = bk.Put(ctx, backend.Item{Key: backend.NewKey("other", "x"), Value: []byte("x")})
	require.NoError(t, err)
	_, err = bk.Put(ctx, backend.Item{Key: backend.NewKey("keys", "kid-1"), Value: []byte("v1")})
	require.NoError(t, err)

	// The non-matching prefix event is filtered out.
	ev = nextEvent(t, w)
	require.Equal(t, backend.OpPut, ev.Type)
	require.Equal(t, "/keys/kid-1", ev.Item.Key.String())
	require.Equal(t, []byte("v1"), ev.Item.Value)

	require.NoError(t, bk.Delete(ctx, backend.NewKey("keys", "kid-1")))
	ev = nextEvent(t, w)
	require.Equal(t, backend.OpDelete, ev.Type)
	require.Equal(t, "/keys/kid-1", ev.Item.Key.String())

	// Lazy expiry emits a delete event as well.
	_, err = bk.Put(ctx, backend.Item{Key: backend.NewKey("keys", "kid-2"), Value: []byte("v2"), Expires: clock.Now().Add(time.Minute)})
	require.NoError(t, err)
	ev = nextEvent(t, w)
	require.Equal(t, backend.OpPut, ev.Type)

	clock.Advance(2 * time.Minute)
	_, err = bk.Get(ctx, backend.NewKey("keys", "kid-2"))
	require.True(t, trace.IsNotFound(err))
	ev = nextEvent(t, w)
	require.Equal(t, backend.OpDelete, ev.Type)
	require.Equal(t, "/keys/kid-2", ev.Item.Key.String())
}

func TestWatcherClosedOnBackendClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk, err := New(Config{Clock: clock})
	require.NoError(t, err)

	w, err := bk.NewWatcher(ctx, backend.Watch{Name: "test"})
	require.NoError(t, err)

	require.NoError(t, bk.Close())
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for watcher to close")
	}
}

func nextEvent(t *testing.T, w backend.Watcher) backend.Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("watcher channel closed")
			}
			return ev
		case <-w.Done():
			t.Fatal("watcher closed while waiting for event")
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

