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
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// scanBatchSize is the COUNT hint for SCAN during streams.
const scanBatchSize = 256

// RedisStoreConfig configures the redis revocation store.
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
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentRevocation)
	}
	return nil
}

// RedisStore keeps revocation entries in redis, expiry rides on the
// server side key TTL. Shared by every gateway instance, so a token
// revoked through one instance is dead on all of them as soon as the
// write lands.
type RedisStore struct {
	cfg    RedisStoreConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewRedisStore creates a revocation store on the given redis client.
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

// RevokeJTI records a token revocation, see Store.
func (s *RedisStore) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	if err := checkRevokeJTI(jti); err != nil {
		return trace.Wrap(err)
	}
	now := s.clock.Now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		s.logger.DebugContext(ctx, "Skipping revocation of an already expired token.", "jti", jti)
		return nil
	}
	entry := JtiRevocation{JTI: jti, RevokedAt: now.UTC(), ExpiresAt: expiresAt.UTC()}
	value, err := utils.FastMarshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Client.Set(ctx, JTIKeyPrefix+jti, value, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "writing revocation entry")
	}
	return nil
}

// IsRevoked reports whether the token id is revoked, see Store.
func (s *RedisStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if err := checkRevokeJTI(jti); err != nil {
		return false, trace.Wrap(err)
	}
	count, err := s.cfg.Client.Exists(ctx, JTIKeyPrefix+jti).Result()
	if err != nil {
		return false, trace.ConnectionProblem(err, "reading revocation entry")
	}
	return count > 0, nil
}

// RevokeUser records a user level revocation, see Store.
func (s *RedisStore) RevokeUser(ctx context.Context, userID string, issuedBefore, expiresAt time.Time) error {
	if err := checkRevokeUser(userID, issuedBefore, expiresAt); err != nil {
		return trace.Wrap(err)
	}
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return trace.BadParameter("user revocation expires in the past")
	}
	entry := UserRevocation{
		UserID:       userID,
		IssuedBefore: issuedBefore.UTC(),
		ExpiresAt:    expiresAt.UTC(),
	}
	value, err := utils.FastMarshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Client.Set(ctx, UserKeyPrefix+userID, value, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "writing user revocation entry")
	}
	return nil
}

// IsUserRevoked reports whether a token of the user issued at the given
// time is revoked, see Store.
func (s *RedisStore) IsUserRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	if userID == "" {
		return false, trace.BadParameter("missing parameter userID")
	}
	value, err := s.cfg.Client.Get(ctx, UserKeyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, trace.ConnectionProblem(err, "reading user revocation entry")
	}
	var entry UserRevocation
	if err := utils.FastUnmarshal(value, &entry); err != nil {
		return false, trace.BadParameter("corrupt user revocation entry for %q: %v", userID, err)
	}
	return entry.Covers(issuedAt, s.clock.Now()), nil
}

// StreamJTIs yields every live jti revocation, see Store.
func (s *RedisStore) StreamJTIs(ctx context.Context) iter.Seq2[*JtiRevocation, error] {
	return func(yield func(*JtiRevocation, error) bool) {
		scan := s.cfg.Client.Scan(ctx, 0, JTIKeyPrefix+"*", scanBatchSize).Iterator()
		for scan.Next(ctx) {
			value, err := s.cfg.Client.Get(ctx, scan.Val()).Bytes()
			if err != nil {
				// Keys expire between the scan and the read.
				if errors.Is(err, redis.Nil) {
					continue
				}
				yield(nil, trace.ConnectionProblem(err, "reading revocation entry"))
				return
			}
			var entry JtiRevocation
			if err := utils.FastUnmarshal(value, &entry); err != nil {
				if !yield(nil, trace.BadParameter("corrupt revocation entry at %q: %v", scan.Val(), err)) {
					return
				}
				continue
			}
			if !yield(&entry, nil) {
				return
			}
		}
		if err := scan.Err(); err != nil {
			yield(nil, trace.ConnectionProblem(err, "scanning revocation entries"))
		}
	}
}

// StreamUsers yields every live user revocation, see Store.
func (s *RedisStore) StreamUsers(ctx context.Context) iter.Seq2[*UserRevocation, error] {
	return func(yield func(*UserRevocation, error) bool) {
		scan := s.cfg.Client.Scan(ctx, 0, UserKeyPrefix+"*", scanBatchSize).Iterator()
		for scan.Next(ctx) {
			value, err := s.cfg.Client.Get(ctx, scan.Val()).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				yield(nil, trace.ConnectionProblem(err, "reading user revocation entry"))
				return
			}
			var entry UserRevocation
			if err := utils.FastUnmarshal(value, &entry); err != nil {
				if !yield(nil, trace.BadParameter("corrupt user revocation entry at %q: %v", scan.Val(), err)) {
					return
				}
				continue
			}
			if !yield(&entry, nil) {
				return
			}
		}
		if err := scan.Err(); err != nil {
			yield(nil, trace.ConnectionProblem(err, "scanning user revocation entries"))
		}
	}
}
