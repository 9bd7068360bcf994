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

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

const (
	pkcePrefix   = "pkce"
	stateSegment = "state"
)

func stateKey(state string) backend.Key {
	return backend.NewKey(pkcePrefix, stateSegment, state)
}

// LocalStoreConfig configures the backend challenge store.
type LocalStoreConfig struct {
	// Backend is the storage backend.
	Backend backend.Backend
	// SweepInterval is how often expired bindings are swept out.
	SweepInterval time.Duration
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
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.PKCESweepInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentPKCE)
	}
	return nil
}

// LocalStore keeps challenge bindings in the storage backend. Consume
// races are decided by a conditional delete, the loser finds the
// binding gone.
type LocalStore struct {
	cfg    LocalStoreConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewLocalStore creates a backend challenge store.
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

// StoreChallenge binds the challenge to the state, see Store.
func (s *LocalStore) StoreChallenge(ctx context.Context, state, challenge string, ttl time.Duration) error {
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
	if _, err := s.cfg.Backend.Put(ctx, backend.Item{
		Key:     stateKey(state),
		Value:   value,
		Expires: entry.ExpiresAt,
	}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// ConsumeChallenge retrieves and deletes the binding, see Store.
func (s *LocalStore) ConsumeChallenge(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", trace.BadParameter("missing parameter state")
	}
	item, err := s.cfg.Backend.Get(ctx, stateKey(state))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("no pending challenge for this state")
		}
		return "", trace.Wrap(err)
	}
	var entry challengeEntry
	if err := utils.FastUnmarshal(item.Value, &entry); err != nil {
		return "", trace.BadParameter("corrupt challenge entry at %s: %v", item.Key, err)
	}
	if !s.clock.Now().Before(entry.ExpiresAt) {
		s.deleteStale(ctx, *item)
		return "", trace.NotFound("challenge expired")
	}
	// The delete is conditional on the revision read above, so of any
	// number of racing consumers exactly one takes the challenge. A
	// concurrent overwrite of the state also voids what was read.
	if _, err := s.cfg.Backend.AtomicWrite(ctx, []backend.ConditionalAction{{
		Key:       item.Key,
		Condition: backend.Revision(item.Revision),
		Action:    backend.Delete(),
	}}); err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return "", trace.NotFound("challenge already consumed")
		}
		return "", trace.Wrap(err)
	}
	return entry.Challenge, nil
}

// Sweep removes expired bindings left behind by abandoned flows.
// Backends that expire entries server side make this a no-op, it is
// here for backends that only expire lazily on read.
func (s *LocalStore) Sweep(ctx context.Context) (int, error) {
	start := backend.ExactKey(pkcePrefix, stateSegment)
	result, err := s.cfg.Backend.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	now := s.clock.Now()
	for _, item := range result.Items {
		var entry challengeEntry
		if err := utils.FastUnmarshal(item.Value, &entry); err == nil && now.Before(entry.ExpiresAt) {
			continue
		}
		// Corrupt entries go too.
		s.deleteStale(ctx, item)
		removed++
	}
	return removed, nil
}

// Run sweeps expired bindings until the context is canceled.
func (s *LocalStore) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		removed, err := s.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WarnContext(ctx, "Failed to sweep expired challenges.", "error", err)
			continue
		}
		if removed > 0 {
			s.logger.DebugContext(ctx, "Swept expired challenges.", "removed", removed)
		}
	}
}

// deleteStale drops an entry only if nobody replaced it since it was
// read.
func (s *LocalStore) deleteStale(ctx context.Context, item backend.Item) {
	if _, err := s.cfg.Backend.AtomicWrite(ctx, []backend.ConditionalAction{{
		Key:       item.Key,
		Condition: backend.Revision(item.Revision),
		Action:    backend.Delete(),
	}}); err != nil && !errors.Is(err, backend.ErrConditionFailed) {
		s.logger.DebugContext(ctx, "Failed to remove stale challenge entry.", "key", item.Key, "error", err)
	}
}
