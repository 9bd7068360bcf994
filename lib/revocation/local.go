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
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

const (
	revokedPrefix = "revoked"
	jtiSegment    = "jti"
	userSegment   = "user"
)

func jtiKey(jti string) backend.Key {
	return backend.NewKey(revokedPrefix, jtiSegment, jti)
}

func userKey(userID string) backend.Key {
	return backend.NewKey(revokedPrefix, userSegment, userID)
}

// LocalStoreConfig configures the backend revocation store.
type LocalStoreConfig struct {
	// Backend persists the entries.
	Backend backend.Backend
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LocalStoreConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentRevocation)
	}
	return nil
}

// LocalStore keeps revocation entries in the cluster backend, expiry
// rides on the backend's own item TTL.
type LocalStore struct {
	cfg    LocalStoreConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewLocalStore creates a revocation store on the given backend.
func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &LocalStore{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}, nil
}

// RevokeJTI records a token revocation, see Store.
func (s *LocalStore) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	if err := checkRevokeJTI(jti); err != nil {
		return trace.Wrap(err)
	}
	now := s.clock.Now()
	if !expiresAt.After(now) {
		s.logger.DebugContext(ctx, "Skipping revocation of an already expired token.", "jti", jti)
		return nil
	}
	entry := JtiRevocation{JTI: jti, RevokedAt: now.UTC(), ExpiresAt: expiresAt.UTC()}
	value, err := utils.FastMarshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.cfg.Backend.Put(ctx, backend.Item{
		Key:     jtiKey(jti),
		Value:   value,
		Expires: expiresAt.UTC(),
	}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// IsRevoked reports whether the token id is revoked, see Store.
func (s *LocalStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if err := checkRevokeJTI(jti); err != nil {
		return false, trace.Wrap(err)
	}
	item, err := s.cfg.Backend.Get(ctx, jtiKey(jti))
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	var entry JtiRevocation
	if err := utils.FastUnmarshal(item.Value, &entry); err != nil {
		return false, trace.BadParameter("corrupt revocation record at %s: %v", item.Key, err)
	}
	return s.clock.Now().Before(entry.ExpiresAt), nil
}

// RevokeUser records a user level revocation, see Store.
func (s *LocalStore) RevokeUser(ctx context.Context, userID string, issuedBefore, expiresAt time.Time) error {
	if err := checkRevokeUser(userID, issuedBefore, expiresAt); err != nil {
		return trace.Wrap(err)
	}
	if !expiresAt.After(s.clock.Now()) {
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
	if _, err := s.cfg.Backend.Put(ctx, backend.Item{
		Key:     userKey(userID),
		Value:   value,
		Expires: expiresAt.UTC(),
	}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// IsUserRevoked reports whether a token of the user issued at the given
// time is revoked, see Store.
func (s *LocalStore) IsUserRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	if userID == "" {
		return false, trace.BadParameter("missing parameter userID")
	}
	item, err := s.cfg.Backend.Get(ctx, userKey(userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	var entry UserRevocation
	if err := utils.FastUnmarshal(item.Value, &entry); err != nil {
		return false, trace.BadParameter("corrupt revocation record at %s: %v", item.Key, err)
	}
	return entry.Covers(issuedAt, s.clock.Now()), nil
}

// StreamJTIs yields every live jti revocation, see Store.
func (s *LocalStore) StreamJTIs(ctx context.Context) iter.Seq2[*JtiRevocation, error] {
	return func(yield func(*JtiRevocation, error) bool) {
		start := backend.ExactKey(revokedPrefix, jtiSegment)
		result, err := s.cfg.Backend.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
		if err != nil {
			yield(nil, trace.Wrap(err))
			return
		}
		now := s.clock.Now()
		for _, item := range result.Items {
			var entry JtiRevocation
			if err := utils.FastUnmarshal(item.Value, &entry); err != nil {
				if !yield(nil, trace.BadParameter("corrupt revocation record at %s: %v", item.Key, err)) {
					return
				}
				continue
			}
			if !now.Before(entry.ExpiresAt) {
				continue
			}
			if !yield(&entry, nil) {
				return
			}
		}
	}
}

// StreamUsers yields every live user revocation, see Store.
func (s *LocalStore) StreamUsers(ctx context.Context) iter.Seq2[*UserRevocation, error] {
	return func(yield func(*UserRevocation, error) bool) {
		start := backend.ExactKey(revokedPrefix, userSegment)
		result, err := s.cfg.Backend.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
		if err != nil {
			yield(nil, trace.Wrap(err))
			return
		}
		now := s.clock.Now()
		for _, item := range result.Items {
			var entry UserRevocation
			if err := utils.FastUnmarshal(item.Value, &entry); err != nil {
				if !yield(nil, trace.BadParameter("corrupt revocation record at %s: %v", item.Key, err)) {
					return
				}
				continue
			}
			if !now.Before(entry.ExpiresAt) {
				continue
			}
			if !yield(&entry, nil) {
				return
			}
		}
	}
}
