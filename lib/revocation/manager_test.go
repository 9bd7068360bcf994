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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type failingBus struct{}

func (failingBus) Publish(ctx context.Context, event Event) error {
	return trace.ConnectionProblem(nil, "bus is down")
}

func (failingBus) Subscribe(handler Handler) func() { return func() {} }

func newTestManager(t *testing.T) (*Manager, storeHarness, *Front) {
	t.Helper()
	h := newBackendHarness(t)
	front, err := NewFront(FrontConfig{Store: h.store, Clock: h.clock})
	require.NoError(t, err)
	require.NoError(t, front.Rebuild(context.Background()))
	mgr, err := NewManager(ManagerConfig{
		Store: h.store,
		Bus:   NewLocalBus(),
		Front: front,
		Clock: h.clock,
	})
	require.NoError(t, err)
	return mgr, h, front
}

func TestManagerRevokeToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, h, front := newTestManager(t)

	require.NoError(t, mgr.RevokeToken(ctx, "J1", h.clock.Now().Add(time.Hour)))

	revoked, err := h.store.IsRevoked(ctx, "J1")
	require.NoError(t, err)
	require.True(t, revoked)
	require.True(t, front.MightContain("J1"))
}

func TestManagerExpiredTokenNotAnnounced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, h, front := newTestManager(t)

	require.NoError(t, mgr.RevokeToken(ctx, "J2", h.clock.Now().Add(-time.Second)))

	revoked, err := h.store.IsRevoked(ctx, "J2")
	require.NoError(t, err)
	require.False(t, revoked)
	require.False(t, front.MightContain("J2"))
}

func TestManagerUserRevocationSkipsBloom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr, h, front := newTestManager(t)
	cutoff := h.clock.Now()

	require.NoError(t, mgr.RevokeUser(ctx, "alice", cutoff, cutoff.Add(time.Hour)))

	revoked, err := h.store.IsUserRevoked(ctx, "alice", cutoff.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, revoked)
	// The bloom filter only tracks token ids.
	require.False(t, front.MightContain("alice"))
}

func TestManagerAppliesFleetEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newBackendHarness(t)
	front, err := NewFront(FrontConfig{Store: h.store, Clock: h.clock})
	require.NoError(t, err)
	require.NoError(t, front.Rebuild(ctx))
	bus := NewLocalBus()
	_, err = NewManager(ManagerConfig{Store: h.store, Bus: bus, Front: front, Clock: h.clock})
	require.NoError(t, err)

	// A revocation announced by another instance lands in the local
	// filter, a user revocation does not.
	require.NoError(t, bus.Publish(ctx, Event{
		Type: EventJTIRevoked, JTI: "J-remote", ExpiresAt: h.clock.Now().Add(time.Hour),
	}))
	require.True(t, front.MightContain("J-remote"))

	require.NoError(t, bus.Publish(ctx, Event{
		Type: EventUserRevoked, UserID: "bob",
		IssuedBefore: h.clock.Now(), ExpiresAt: h.clock.Now().Add(time.Hour),
	}))
	require.False(t, front.MightContain("bob"))
}

func TestManagerToleratesBusFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newBackendHarness(t)
	mgr, err := NewManager(ManagerConfig{Store: h.store, Bus: failingBus{}, Clock: h.clock})
	require.NoError(t, err)

	// The store write is what makes a revocation stick, a dead bus must
	// not fail it.
	require.NoError(t, mgr.RevokeToken(ctx, "J1", h.clock.Now().Add(time.Hour)))
	revoked, err := h.store.IsRevoked(ctx, "J1")
	require.NoError(t, err)
	require.True(t, revoked)
}
