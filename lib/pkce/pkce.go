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

// Package pkce stores one-shot bindings between an authorization flow
// state and its code challenge. A binding is written when the flow
// starts and consumed exactly once at token exchange, any later consume
// of the same state comes back empty no matter how many callers race
// for it.
package pkce

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// Store keeps state to challenge bindings until they are consumed or
// expire.
type Store interface {
	// StoreChallenge binds the code challenge to the state handle for
	// ttl. Storing a state that already has a binding overwrites it.
	StoreChallenge(ctx context.Context, state, challenge string, ttl time.Duration) error
	// ConsumeChallenge retrieves and deletes the challenge bound to the
	// state in one step. At most one caller gets the challenge, every
	// other caller and any call on a missing or expired state gets
	// NotFound.
	ConsumeChallenge(ctx context.Context, state string) (string, error)
}

// challengeEntry is the stored form of a binding.
type challengeEntry struct {
	State     string    `json:"state"`
	Challenge string    `json:"challenge"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func checkStoreChallenge(state, challenge string, ttl time.Duration) error {
	if state == "" {
		return trace.BadParameter("missing parameter state")
	}
	if challenge == "" {
		return trace.BadParameter("missing parameter challenge")
	}
	if ttl <= 0 {
		return trace.BadParameter("challenge ttl must be positive, got %v", ttl)
	}
	return nil
}
