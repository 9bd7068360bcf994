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
	"iter"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aussieco/aussie/lib/backend/memory"
	"github.com/aussieco/aussie/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// storeHarness runs the shared store suite against one implementation.
// advance moves both the store clock and, for redis, the server side
// TTLs.
type storeHarness struct {
	store   Store
	clock   *clockwork.FakeClock
	advance func(time.Duration)
}

func newBackendHarness(t *testing.T) storeHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	store, err := NewLocalStore(LocalStoreConfig{Backend: bk, Clock: clock})
	require.NoError(t, err)
	return storeHarness{store: store, clock: clock, advance: clock.Advance}
}

func newRedisHarness(t *testing.T) storeHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(RedisStoreConfig{Client: client, Clock: clock})
	require.NoError(t, err)
	return storeHarness{store: store, clock: clock, advance: func(d time.Duration) {
		clock.Advance(d)
		mr.FastForward(d)
	}}
}

func TestRevocationStores(t *testing.T) {
	t.Parallel()
	for name, newHarness := range map[string]func(*testing.T) storeHarness{
		"backend": newBackendHarness,
		"redis":   newRedisHarness,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			t.Run("RevokeAndCheck", func(t *testing.T) {
				ctx := context.Background()
				h := newHarness(t)

				revoked, err := h.store.IsRevoked(ctx, "J42")
				require.NoError(t, err)
				require.False(t, revoked)

				expiresAt := h.clock.Now().Add(time.Hour)
				require.NoError(t, h.store.RevokeJTI(ctx, "J42", expiresAt))
				revoked, err = h.store.IsRevoked(ctx, "J42")
				require.NoError(t, err)
				require.True(t, revoked)

				// Revoking the same token again is accepted.
				require.NoError(t, h.store.RevokeJTI(ctx, "J42", expiresAt))
				revoked, err = h.store.IsRevoked(ctx, "J42")
				require.NoError(t, err)
				require.True(t, revoked)

				_, err = h.store.IsRevoked(ctx, "")
				require.True(t, trace.IsBadParameter(err))
			})

			t.Run("ExpiredRevocationIsNoop", func(t *testing.T) {
				ctx := context.Background()
				h := newHarness(t)

				require.NoError(t, h.store.RevokeJTI(ctx, "expired", h.clock.Now().Add(-time.Second)))
				revoked, err := h.store.IsRevoked(ctx, "expired")
				require.NoError(t, err)
				require.False(t, revoked)
			})

			t.Run("RevocationLapses", func(t *testing.T) {
				ctx := context.Background()
				h := newHarness(t)

				require.NoError(t, h.store.RevokeJTI(ctx, "J1", h.clock.Now().Add(time.Hour)))
				h.advance(2 * time.Hour)
				revoked, err := h.store.IsRevoked(ctx, "J1")
				require.NoError(t, err)
				require.False(t, revoked)
			})

			t.Run("UserCutoff", func(t *testing.T) {
				ctx := context.Background()
				h := newHarness(t)
				cutoff := h.clock.Now()

				require.NoError(t, h.store.RevokeUser(ctx, "alice", cutoff, cutoff.Add(time.Hour)))

				// Issued before the cutoff is revoked, at or after it is
				// not.
				revoked, err := h.store.IsUserRevoked(ctx, "alice", cutoff.Add(-10*time.Second))
				require.NoError(t, err)
				require.True(t, revoked)

				revoked, err = h.store.IsUserRevoked(ctx, "alice", cutoff)
				require.NoError(t, err)
				require.False(t, revoked)

				revoked, err = h.store.IsUserRevoked(ctx, "alice", cutoff.Add(5*time.Second))
				require.NoError(t, err)
				require.False(t, revoked)

				revoked, err = h.store.IsUserRevoked(ctx, "bob", cutoff.Add(-10*time.Second))
				require.NoError(t, err)
				require.False(t, revoked)

				require.True(t, trace.IsBadParameter(
					h.store.RevokeUser(ctx, "alice", cutoff, cutoff.Add(-time.Minute))))
			})

			t.Run("UserRevocationReplaced", func(t *testing.T) {
				ctx := context.Background()
				h := newHarness(t)
				t0 := h.clock.Now().Add(-time.Hour)
				t1 := h.clock.Now()
				issuedAt := t0.Add(30 * time.Minute)

				require.NoError(t, h.store.RevokeUser(ctx, "alice", t1, t1.Add(time.Hour)))
				revoked, err := h.store.IsUserRevoked(ctx, "alice", issuedAt)
				require.NoError(t, err)
				require.True(t, revoked)

				// A later revocation with an earlier cutoff replaces the
				// first one entirely.
				require.NoError(t, h.store.RevokeUser(ctx, "alice", t0, t1.Add(time.Hour)))
				revoked, err = h.store.IsUserRevoked(ctx, "alice", issuedAt)
				require.NoError(t, err)
				require.False(t, revoked)
			})

			t.Run("UserRevocationLapses", func(t *testing.T) {
				ctx := context.Background()
				h := newHarness(t)
				cutoff := h.clock.Now()

				require.NoError(t, h.store.RevokeUser(ctx, "alice", cutoff, cutoff.Add(time.Hour)))
				h.advance(2 * time.Hour)
				revoked, err := h.store.IsUserRevoked(ctx, "alice", cutoff.Add(-time.Minute))
				require.NoError(t, err)
				require.False(t, revoked)
			})

			t.Run("Streams", func(t *testing.T) {
				ctx := context.Background()
				h := newHarness(t)
				now := h.clock.Now()

				require.NoError(t, h.store.RevokeJTI(ctx, "J1", now.Add(time.Hour)))
				require.NoError(t, h.store.RevokeJTI(ctx, "J2", now.Add(2*time.Hour)))
				require.NoError(t, h.store.RevokeJTI(ctx, "gone", now.Add(10*time.Minute)))
				require.NoError(t, h.store.RevokeUser(ctx, "alice", now, now.Add(time.Hour)))

				h.advance(30 * time.Minute)

				seen := map[string]bool{}
				for entry, err := range h.store.StreamJTIs(ctx) {
					require.NoError(t, err)
					seen[entry.JTI] = true
				}
				require.Equal(t, map[string]bool{"J1": true, "J2": true}, seen)

				users := map[string]bool{}
				for entry, err := range h.store.StreamUsers(ctx) {
					require.NoError(t, err)
					users[entry.UserID] = true
				}
				require.Equal(t, map[string]bool{"alice": true}, users)
			})
		})
	}
}

// flakyStore wraps a working store and fails reads and streams on
// demand.
type flakyStore struct {
	Store
	failing atomic.Bool
}

func (f *flakyStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if f.failing.Load() {
		return false, trace.ConnectionProblem(nil, "revocation store is down")
	}
	return f.Store.IsRevoked(ctx, jti)
}

func (f *flakyStore) IsUserRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	if f.failing.Load() {
		return false, trace.ConnectionProblem(nil, "revocation store is down")
	}
	return f.Store.IsUserRevoked(ctx, userID, issuedAt)
}

func (f *flakyStore) StreamJTIs(ctx context.Context) iter.Seq2[*JtiRevocation, error] {
	if f.failing.Load() {
		return func(yield func(*JtiRevocation, error) bool) {
			yield(nil, trace.ConnectionProblem(nil, "revocation store is down"))
		}
	}
	return f.Store.StreamJTIs(ctx)
}
