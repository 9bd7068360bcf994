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

// Package revocation tracks revoked tokens until they would have
// expired anyway. Entries carry their expiry so storage can drop them
// on its own, a revocation list that only ever grows is an outage
// waiting to happen.
//
// Two kinds of entries exist: single tokens revoked by jti, and user
// level revocations that kill every token issued to a user before a
// cutoff. A Bloom filter in front of the store keeps the common case,
// checking a token that was never revoked, off the network.
package revocation

import (
	"context"
	"iter"
	"time"

	"github.com/gravitational/trace"
)

// JtiRevocation marks one token as revoked.
type JtiRevocation struct {
	// JTI is the id of the revoked token.
	JTI string `json:"jti"`
	// RevokedAt is when the revocation was recorded.
	RevokedAt time.Time `json:"revokedAt"`
	// ExpiresAt is when the revoked token would have expired, the entry
	// is useless afterwards.
	ExpiresAt time.Time `json:"expiresAt"`
}

// UserRevocation kills every token a user was issued before a cutoff.
type UserRevocation struct {
	// UserID is the subject whose tokens are revoked.
	UserID string `json:"userId"`
	// IssuedBefore is the cutoff: tokens issued strictly before it are
	// revoked, a token issued exactly at the cutoff is not.
	IssuedBefore time.Time `json:"issuedBefore"`
	// ExpiresAt is when the newest token covered by the cutoff expires,
	// the entry is useless afterwards.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Covers reports whether a token issued at the given time falls under
// this revocation at the given now.
func (u *UserRevocation) Covers(issuedAt, now time.Time) bool {
	return issuedAt.Before(u.IssuedBefore) && now.Before(u.ExpiresAt)
}

// Store persists revocation entries.
//
// Implementations drop entries once their expiry passes, readers still
// guard against clocks disagreeing with storage by checking expiry
// themselves.
type Store interface {
	// RevokeJTI records a token revocation. Revoking a token that is
	// already past its expiry is a no-op, revoking one twice is
	// idempotent.
	RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error

	// IsRevoked reports whether the token id is revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// RevokeUser records a user level revocation, replacing any prior
	// entry for the user. The entry is recorded even for users with no
	// tokens in flight.
	RevokeUser(ctx context.Context, userID string, issuedBefore, expiresAt time.Time) error

	// IsUserRevoked reports whether a token of the user issued at the
	// given time is revoked.
	IsUserRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error)

	// StreamJTIs yields every live jti revocation, in no particular
	// order. Used for Bloom rebuilds and admin listings.
	StreamJTIs(ctx context.Context) iter.Seq2[*JtiRevocation, error]

	// StreamUsers yields every live user revocation.
	StreamUsers(ctx context.Context) iter.Seq2[*UserRevocation, error]
}

// Key layout shared by every store implementation so operators can
// inspect entries with plain storage tooling.
const (
	// JTIKeyPrefix prefixes jti entries.
	JTIKeyPrefix = "revoked:jti:"
	// UserKeyPrefix prefixes user entries.
	UserKeyPrefix = "revoked:user:"
)

func checkRevokeJTI(jti string) error {
	if jti == "" {
		return trace.BadParameter("missing parameter jti")
	}
	return nil
}

func checkRevokeUser(userID string, issuedBefore, expiresAt time.Time) error {
	if userID == "" {
		return trace.BadParameter("missing parameter userID")
	}
	if issuedBefore.IsZero() {
		return trace.BadParameter("missing parameter issuedBefore")
	}
	if expiresAt.IsZero() {
		return trace.BadParameter("missing parameter expiresAt")
	}
	return nil
}
