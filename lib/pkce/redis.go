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

package pkce

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// StateKeyPrefix namespaces challenge bindings in redis.
const StateKeyPrefix = "pkce:state:"

// RedisStoreConfig configures the redis challenge store.
type RedisStoreConfig struct {
	// Client is the redis connection.
	Client redis.UniversalClient
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisStoreConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentPKCE)
	}
	return nil
}

// RedisStore keeps challenge bindings in redis. GETDEL makes the
// consume a single atomic step and the server side TTL cleans up
// abandoned flows, no sweeper needed.
type RedisStore struct {
	cfg    RedisStoreConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewRedisStore creates a redis challenge store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RedisStore{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}, nil
}

// StoreChallenge binds the challenge to the state, see Store.
func (s *RedisStore) StoreChallenge(ctx context.Context, state, challenge string, ttl time.Duration) error {
	if err := checkStoreChallenge(state, challenge, ttl); err != nil {
		return trace.Wrap(err)
	}
	now := s.clock.Now()
	entry := challengeEntry{
		State:     state,
		Challenge: challenge,
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(ttl).UTC(),
	}
	value, err := utils.FastMarshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Client.Set(ctx, StateKeyPrefix+state, value, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "writing challenge entry")
	}
	return nil
}

// ConsumeChallenge retrieves and deletes the binding, see Store.
func (s *RedisStore) ConsumeChallenge(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", trace.BadParameter("missing parameter state")
	}
	value, err := s.cfg.Client.GetDel(ctx, StateKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", trace.NotFound("no pending challenge for this state")
		}
		return "", trace.ConnectionProblem(err, "reading challenge entry")
	}
	var entry challengeEntry
	if err := utils.FastUnmarshal(value, &entry); err != nil {
		return "", trace.BadParameter("corrupt challenge entry for this state: %v", err)
	}
	if !s.clock.Now().Before(entry.ExpiresAt) {
		return "", trace.NotFound("challenge expired")
	}
	return entry.Challenge, nil
}
