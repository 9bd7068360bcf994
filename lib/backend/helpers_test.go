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

package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/backend/memory"
)

func newLockBackend(t *testing.T) (*memory.Memory, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return bk, clock
}

func TestAcquireLockValidation(t *testing.T) {
	t.Parallel()
	bk, _ := newLockBackend(t)
	ctx := context.Background()

	_, err := backend.AcquireLock(ctx, bk, "", time.Minute)
	require.True(t, trace.IsBadParameter(err))

	_, err = backend.AcquireLock(ctx, bk, "rotation", 0)
	require.True(t, trace.IsBadParameter(err))
}

func TestAcquireLockContention(t *testing.T) {
	bk, clock := newLockBackend(t)
	ctx := context.Background()

	lock, err := backend.AcquireLock(ctx, bk, "rotation", time.Minute)
	require.NoError(t, err)

	// A second acquirer polls until the lock frees up.
	type result struct {
		lock *backend.Lock
		err  error
	}
	resultC := make(chan result, 1)
	go func() {
		second, err := backend.AcquireLock(ctx, bk, "rotation", time.Minute)
		resultC <- result{lock: second, err: err}
	}()

	// Wait for the contender to start sleeping between poll attempts,
	// then free the lock and let the next poll fire.
	clock.BlockUntil(1)
	require.NoError(t, lock.Release(ctx, bk))
	clock.Advance(time.Second)

	select {
	case res := <-resultC:
		require.NoError(t, res.err)
		require.NoError(t, res.lock.Release(ctx, bk))
	case <-time.After(10 * time.Second):
		t.Fatal("contending acquire never succeeded after the lock was released")
	}
}

func TestAcquireLockAfterExpiry(t *testing.T) {
	bk, clock := newLockBackend(t)
	ctx := context.Background()

	_, err := backend.AcquireLock(ctx, bk, "rotation", time.Minute)
	require.NoError(t, err)

	// The holder crashed without releasing. Once the TTL passes the
	// item expires and the lock can be taken over.
	clock.Advance(time.Minute + time.Second)
	lock, err := backend.AcquireLock(ctx, bk, "rotation", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx, bk))
}

func TestReleaseLostLock(t *testing.T) {
	bk, clock := newLockBackend(t)
	ctx := context.Background()

	lock, err := backend.AcquireLock(ctx, bk, "rotation", time.Minute)
	require.NoError(t, err)

	// The lock expired and a peer took it over, releasing must not
	// steal it back.
	clock.Advance(time.Minute + time.Second)
	_, err = backend.AcquireLock(ctx, bk, "rotation", time.Minute)
	require.NoError(t, err)

	err = lock.Release(ctx, bk)
	require.True(t, trace.IsCompareFailed(err))
}

func TestRunWhileLocked(t *testing.T) {
	bk, _ := newLockBackend(t)
	ctx := context.Background()

	var ran bool
	err := backend.RunWhileLocked(ctx, bk, "rotation", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// The lock is released on return, the next run does not block.
	err = backend.RunWhileLocked(ctx, bk, "rotation", time.Minute, func(ctx context.Context) error {
		return trace.LimitExceeded("boom")
	})
	require.True(t, trace.IsLimitExceeded(err))
}

func TestRunWhileLockedRefreshFailure(t *testing.T) {
	bk, clock := newLockBackend(t)
	ctx := context.Background()

	started := make(chan struct{})
	errC := make(chan error, 1)
	go func() {
		errC <- backend.RunWhileLocked(ctx, bk, "rotation", 10*time.Second, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return trace.Wrap(ctx.Err())
		})
	}()
	<-started

	// A peer stomps the lock item, the next refresh loses the
	// conditional update and fn's context must be canceled.
	_, err := bk.Put(ctx, backend.Item{
		Key:     backend.NewKey(".locks", "rotation"),
		Value:   []byte("peer"),
		Expires: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	select {
	case err := <-errC:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("refresh failure did not cancel the locked function")
	}
}
