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

package keystore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussieco/aussie/lib/backend/memory"
	"github.com/aussieco/aussie/lib/utils"
)

const testKeyBits = 1024

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func newTestService(t *testing.T) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	svc, err := NewService(bk)
	require.NoError(t, err)
	return svc, clock
}

func TestGenerateSigningKey(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()

	key, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)
	require.NotEmpty(t, key.KID)
	require.Equal(t, StatusPending, key.Status)
	require.Equal(t, clock.Now().UTC(), key.CreatedAt)

	signer, err := key.Signer()
	require.NoError(t, err)
	require.NotNil(t, signer)
	public, err := key.Public()
	require.NoError(t, err)
	require.Equal(t, &signer.PublicKey, public)
}

func TestSigningKeyLogValueOmitsMaterial(t *testing.T) {
	t.Parallel()
	key, err := GenerateSigningKey(clockwork.NewFakeClock(), testKeyBits)
	require.NoError(t, err)

	rendered := key.LogValue().String()
	require.Contains(t, rendered, key.KID)
	require.NotContains(t, rendered, "PRIVATE KEY")
	require.NotContains(t, rendered, string(key.PrivateKeyPEM))
}

func TestSigningKeyWithoutPrivateKey(t *testing.T) {
	t.Parallel()
	key, err := GenerateSigningKey(clockwork.NewFakeClock(), testKeyBits)
	require.NoError(t, err)

	stripped := key.WithoutPrivateKey()
	require.Empty(t, stripped.PrivateKeyPEM)
	require.Equal(t, key.PublicKeyPEM, stripped.PublicKeyPEM)

	// The stripped copy still verifies but cannot sign.
	public, err := stripped.Public()
	require.NoError(t, err)
	require.NotNil(t, public)
	_, err = stripped.Signer()
	require.True(t, trace.IsBadParameter(err))

	// The original is untouched.
	_, err = key.Signer()
	require.NoError(t, err)
}

func TestSigningKeyDerivesPublicPEM(t *testing.T) {
	t.Parallel()
	key, err := GenerateSigningKey(clockwork.NewFakeClock(), testKeyBits)
	require.NoError(t, err)

	// Records written before the public half was stored self heal on
	// validation.
	withPublic := key.PublicKeyPEM
	key.PublicKeyPEM = nil
	require.NoError(t, key.CheckAndSetDefaults())
	require.Equal(t, withPublic, key.PublicKeyPEM)
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()
	require.False(t, StatusPending.CanSign())
	require.True(t, StatusActive.CanSign())
	require.False(t, StatusDeprecated.CanSign())
	require.False(t, StatusRetired.CanSign())

	require.False(t, StatusPending.CanVerify())
	require.True(t, StatusActive.CanVerify())
	require.True(t, StatusDeprecated.CanVerify())
	require.False(t, StatusRetired.CanVerify())
}

func TestSigningKeyTransitions(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	key, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)

	// Keys only move forward through the lifecycle.
	require.Error(t, key.setStatus(StatusDeprecated, clock.Now()))
	require.Error(t, key.setStatus(StatusRetired, clock.Now()))

	require.NoError(t, key.setStatus(StatusActive, clock.Now()))
	require.False(t, key.ActivatedAt.IsZero())
	require.Error(t, key.setStatus(StatusActive, clock.Now()))

	require.NoError(t, key.setStatus(StatusDeprecated, clock.Now()))
	require.NoError(t, key.setStatus(StatusRetired, clock.Now()))
	require.Error(t, key.setStatus(StatusActive, clock.Now()))
}

func TestServiceCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	key, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)

	created, err := svc.CreateSigningKey(ctx, key)
	require.NoError(t, err)
	require.NotEmpty(t, created.Revision())

	_, err = svc.CreateSigningKey(ctx, key)
	require.True(t, trace.IsAlreadyExists(err))

	fetched, err := svc.GetSigningKey(ctx, key.KID)
	require.NoError(t, err)
	require.Equal(t, key.KID, fetched.KID)
	require.Equal(t, key.PrivateKeyPEM, fetched.PrivateKeyPEM)

	_, err = svc.GetSigningKey(ctx, "no-such-kid")
	require.True(t, trace.IsNotFound(err))

	keys, err := svc.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// Only retired keys can be deleted.
	err = svc.DeleteSigningKey(ctx, key.KID)
	require.True(t, trace.IsBadParameter(err))
}

func TestGetActiveSigningKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	_, err := svc.GetActiveSigningKey(ctx)
	require.True(t, trace.IsNotFound(err))

	first, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)
	_, err = svc.CreateSigningKey(ctx, first)
	require.NoError(t, err)
	_, err = svc.RotateActiveSigningKey(ctx, first.KID)
	require.NoError(t, err)

	active, err := svc.GetActiveSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, first.KID, active.KID)
	require.Equal(t, StatusActive, active.Status)
}

func TestGetActiveSigningKeyPicksMostRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	// Force the invariant violation by storing two active records
	// directly.
	older, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)
	require.NoError(t, older.setStatus(StatusActive, clock.Now()))
	_, err = svc.CreateSigningKey(ctx, older)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	newer, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)
	require.NoError(t, newer.setStatus(StatusActive, clock.Now()))
	_, err = svc.CreateSigningKey(ctx, newer)
	require.NoError(t, err)

	active, err := svc.GetActiveSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, newer.KID, active.KID)
}

func TestRotateActiveSigningKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	first, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)
	_, err = svc.CreateSigningKey(ctx, first)
	require.NoError(t, err)

	// Bootstrap rotation with no current active key.
	promoted, err := svc.RotateActiveSigningKey(ctx, first.KID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, promoted.Status)
	require.Equal(t, clock.Now().UTC(), promoted.ActivatedAt)

	// Activating a non-pending key is refused.
	_, err = svc.RotateActiveSigningKey(ctx, first.KID)
	require.True(t, trace.IsBadParameter(err))

	clock.Advance(time.Hour)
	second, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)
	_, err = svc.CreateSigningKey(ctx, second)
	require.NoError(t, err)

	promoted, err = svc.RotateActiveSigningKey(ctx, second.KID)
	require.NoError(t, err)
	require.Equal(t, second.KID, promoted.KID)

	// The swap is atomic: exactly one active, the old key deprecated.
	active, err := svc.GetActiveSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, second.KID, active.KID)

	demoted, err := svc.GetSigningKey(ctx, first.KID)
	require.NoError(t, err)
	require.Equal(t, StatusDeprecated, demoted.Status)
	require.Equal(t, clock.Now().UTC(), demoted.DeprecatedAt)
}

func TestPublishedSigningKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	statuses := map[string]Status{}
	for _, status := range []Status{StatusPending, StatusActive, StatusDeprecated, StatusRetired} {
		key, err := GenerateSigningKey(clock, testKeyBits)
		require.NoError(t, err)
		key.Status = status
		switch status {
		case StatusActive:
			key.ActivatedAt = clock.Now()
		case StatusDeprecated:
			key.DeprecatedAt = clock.Now()
		case StatusRetired:
			key.RetiredAt = clock.Now()
		}
		_, err = svc.CreateSigningKey(ctx, key)
		require.NoError(t, err)
		statuses[key.KID] = status
	}

	published, err := svc.PublishedSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, published, 3)
	for _, key := range published {
		require.NotEqual(t, StatusRetired, statuses[key.KID])
	}

	// The verification set is narrower: no pending keys in it.
	verifying, err := svc.VerificationSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, verifying, 2)
	for _, key := range verifying {
		require.True(t, key.Status.CanVerify())
	}

	// Narrowing to a single lifecycle status.
	deprecated, err := svc.SigningKeysByStatus(ctx, StatusDeprecated)
	require.NoError(t, err)
	require.Len(t, deprecated, 1)
	require.Equal(t, StatusDeprecated, deprecated[0].Status)

	_, err = svc.SigningKeysByStatus(ctx, Status("sideways"))
	require.True(t, trace.IsBadParameter(err))
}

func TestDeleteRetiredSigningKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	key, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)
	key.Status = StatusRetired
	key.RetiredAt = clock.Now()
	_, err = svc.CreateSigningKey(ctx, key)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSigningKey(ctx, key.KID))
	_, err = svc.GetSigningKey(ctx, key.KID)
	require.True(t, trace.IsNotFound(err))
}

func TestSigningKeyMarshalRoundTrip(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()

	key, err := GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)

	value, err := marshalSigningKey(key)
	require.NoError(t, err)
	// Stored records carry the material, it must never appear in logs
	// but does live in the backend value.
	require.True(t, strings.Contains(string(value), "private_key_pem"))
}
