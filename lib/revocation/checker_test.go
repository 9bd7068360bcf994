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

// slowStore hangs every lookup until the request context gives up.
type slowStore struct{ Store }

func (s *slowStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	<-ctx.Done()
	return false, trace.Wrap(ctx.Err())
}

func TestCheckerDecisions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newBackendHarness(t)
	checker, err := NewChecker(CheckerConfig{Store: h.store})
	require.NoError(t, err)
	now := h.clock.Now()

	require.NoError(t, h.store.RevokeJTI(ctx, "J-revoked", now.Add(time.Hour)))
	require.NoError(t, h.store.RevokeUser(ctx, "alice", now, now.Add(time.Hour)))

	require.False(t, checker.Check(ctx, "J-clean", "bob", now))
	require.True(t, checker.Check(ctx, "J-revoked", "bob", now))

	// User revocation covers tokens issued strictly before the cutoff.
	require.True(t, checker.Check(ctx, "J-clean", "alice", now.Add(-time.Minute)))
	require.False(t, checker.Check(ctx, "J-clean", "alice", now))
	require.False(t, checker.Check(ctx, "J-clean", "alice", now.Add(time.Minute)))

	// A token without a jti still goes through the user check.
	require.True(t, checker.Check(ctx, "", "alice", now.Add(-time.Minute)))
}

func TestCheckerFailClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newBackendHarness(t)
	flaky := &flakyStore{Store: h.store}
	checker, err := NewChecker(CheckerConfig{Store: flaky})
	require.NoError(t, err)
	now := h.clock.Now()

	require.False(t, checker.Check(ctx, "J-clean", "bob", now))

	flaky.failing.Store(true)
	require.True(t, checker.Check(ctx, "J-clean", "bob", now))
}

func TestCheckerBloomFastPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newBackendHarness(t)
	flaky := &flakyStore{Store: h.store}
	front, err := NewFront(FrontConfig{Store: h.store, Clock: h.clock})
	require.NoError(t, err)
	require.NoError(t, front.Rebuild(ctx))

	checker, err := NewChecker(CheckerConfig{
		Store:            flaky,
		Front:            front,
		DisableUserCheck: true,
	})
	require.NoError(t, err)

	// A definite bloom miss never touches the store, the request
	// survives a store outage.
	flaky.failing.Store(true)
	require.False(t, checker.Check(ctx, "J-clean", "bob", h.clock.Now()))

	// A bloom hit has to consult the store and fails closed.
	front.Add("J-maybe")
	require.True(t, checker.Check(ctx, "J-maybe", "bob", h.clock.Now()))
}

func TestCheckerTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newBackendHarness(t)
	checker, err := NewChecker(CheckerConfig{
		Store:   &slowStore{Store: h.store},
		Timeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	require.True(t, checker.Check(ctx, "J1", "bob", h.clock.Now()))
	require.Less(t, time.Since(start), 2*time.Second)
}
