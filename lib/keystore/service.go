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
	"log/slog"
	"sort"
	"time"

	"github.com/gravitational/trace"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

const (
	keystorePrefix = "keystore"
	keysPrefix     = "keys"

	// rotationLockName serializes lifecycle writers across gateway
	// replicas.
	rotationLockName = "keystore-rotation"
)

func signingKeyKey(kid string) backend.Key {
	return backend.NewKey(keystorePrefix, keysPrefix, kid)
}

// Service persists signing key records in the backend.
type Service struct {
	backend backend.Backend
	logger  *slog.Logger
}

// NewService creates a signing key service on top of the given backend.
func NewService(b backend.Backend) (*Service, error) {
	if b == nil {
		return nil, trace.BadParameter("missing parameter backend")
	}
	return &Service{
		backend: b,
		logger:  logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentKeyStore),
	}, nil
}

// WithRotationLock runs fn while holding the distributed rotation lock.
// Every individual lifecycle write is already revision-conditioned, the
// lock keeps replicas from burning attempts on each other's writes.
func (s *Service) WithRotationLock(ctx context.Context, ttl time.Duration, fn func(ctx context.Context) error) error {
	return trace.Wrap(backend.RunWhileLocked(ctx, s.backend, rotationLockName, ttl, fn))
}

// CreateSigningKey stores a new signing key record.
func (s *Service) CreateSigningKey(ctx context.Context, key *SigningKey) (*SigningKey, error) {
	value, err := marshalSigningKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	lease, err := s.backend.Create(ctx, backend.Item{
		Key:   signingKeyKey(key.KID),
		Value: value,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := key.Clone()
	out.revision = lease.Revision
	return out, nil
}

// GetSigningKey returns a signing key record by id.
func (s *Service) GetSigningKey(ctx context.Context, kid string) (*SigningKey, error) {
	if kid == "" {
		return nil, trace.BadParameter("missing parameter kid")
	}
	item, err := s.backend.Get(ctx, signingKeyKey(kid))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("signing key %q is not found", kid)
		}
		return nil, trace.Wrap(err)
	}
	key, err := unmarshalSigningKey(*item)
	return key, trace.Wrap(err)
}

// ListSigningKeys returns all signing key records ordered by id.
func (s *Service) ListSigningKeys(ctx context.Context) ([]*SigningKey, error) {
	start := backend.ExactKey(keystorePrefix, keysPrefix)
	result, err := s.backend.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keys := make([]*SigningKey, 0, len(result.Items))
	for _, item := range result.Items {
		key, err := unmarshalSigningKey(item)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// SigningKeysByStatus returns the signing key records in the given
// lifecycle status, ordered by id.
func (s *Service) SigningKeysByStatus(ctx context.Context, status Status) ([]*SigningKey, error) {
	if !status.valid() {
		return nil, trace.BadParameter("unknown signing key status %q", status)
	}
	keys, err := s.ListSigningKeys(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	matched := keys[:0]
	for _, key := range keys {
		if key.Status == status {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// GetActiveSigningKey returns the key currently signing new tokens.
// When more than one key is found active the most recently activated
// one wins and an error is logged, the stragglers are left for the
// operator.
func (s *Service) GetActiveSigningKey(ctx context.Context) (*SigningKey, error) {
	keys, err := s.ListSigningKeys(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var active []*SigningKey
	for _, key := range keys {
		if key.Status.CanSign() {
			active = append(active, key)
		}
	}
	switch len(active) {
	case 0:
		return nil, trace.NotFound("no active signing key")
	case 1:
		return active[0], nil
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].ActivatedAt.After(active[j].ActivatedAt)
	})
	s.logger.ErrorContext(ctx, "Multiple active signing keys found, using the most recently activated.",
		"count", len(active), "kid", active[0].KID)
	return active[0], nil
}

// PublishedSigningKeys returns the keys that belong in the JWKS:
// pending, active and deprecated.
func (s *Service) PublishedSigningKeys(ctx context.Context) ([]*SigningKey, error) {
	keys, err := s.ListSigningKeys(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	published := keys[:0]
	for _, key := range keys {
		if key.Status.Published() {
			published = append(published, key)
		}
	}
	return published, nil
}

// VerificationSigningKeys returns the keys that still validate issued
// tokens: active and deprecated. Pending keys are published but nothing
// was signed with them yet.
func (s *Service) VerificationSigningKeys(ctx context.Context) ([]*SigningKey, error) {
	keys, err := s.ListSigningKeys(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	verifying := keys[:0]
	for _, key := range keys {
		if key.Status.CanVerify() {
			verifying = append(verifying, key)
		}
	}
	return verifying, nil
}

// UpdateSigningKeyStatus moves a key one step along its lifecycle,
// stamping the transition time. The write is conditional on the record
// not having changed since it was read.
func (s *Service) UpdateSigningKeyStatus(ctx context.Context, kid string, next Status) (*SigningKey, error) {
	key, err := s.GetSigningKey(ctx, kid)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := key.setStatus(next, s.backend.Clock().Now()); err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := marshalSigningKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	lease, err := s.backend.ConditionalUpdate(ctx, backend.Item{
		Key:      signingKeyKey(kid),
		Value:    value,
		Revision: key.revision,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key.revision = lease.Revision
	return key, nil
}

// DeleteSigningKey deletes a retired key record. Keys in any other
// status are refused, rotation owns the preceding transitions.
func (s *Service) DeleteSigningKey(ctx context.Context, kid string) error {
	key, err := s.GetSigningKey(ctx, kid)
	if err != nil {
		return trace.Wrap(err)
	}
	if key.Status != StatusRetired {
		return trace.BadParameter("signing key %v is %q, only retired keys can be deleted", kid, key.Status)
	}
	return trace.Wrap(s.backend.ConditionalDelete(ctx, signingKeyKey(kid), key.revision))
}

// RotateActiveSigningKey promotes the given pending key to active and
// demotes the current active key to deprecated in one atomic write, so
// no interleaving can observe zero or two signing keys.
func (s *Service) RotateActiveSigningKey(ctx context.Context, pendingKID string) (*SigningKey, error) {
	pending, err := s.GetSigningKey(ctx, pendingKID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if pending.Status != StatusPending {
		return nil, trace.BadParameter("signing key %v is %q, only pending keys can be activated", pendingKID, pending.Status)
	}
	now := s.backend.Clock().Now()

	promoted := pending.Clone()
	if err := promoted.setStatus(StatusActive, now); err != nil {
		return nil, trace.Wrap(err)
	}
	promotedValue, err := marshalSigningKey(promoted)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	condacts := []backend.ConditionalAction{{
		Key:       signingKeyKey(promoted.KID),
		Condition: backend.Revision(pending.revision),
		Action:    backend.Put(backend.Item{Value: promotedValue}),
	}}

	active, err := s.GetActiveSigningKey(ctx)
	switch {
	case trace.IsNotFound(err):
		// Bootstrap: nothing to demote.
	case err != nil:
		return nil, trace.Wrap(err)
	default:
		demoted := active.Clone()
		if err := demoted.setStatus(StatusDeprecated, now); err != nil {
			return nil, trace.Wrap(err)
		}
		demotedValue, err := marshalSigningKey(demoted)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		condacts = append(condacts, backend.ConditionalAction{
			Key:       signingKeyKey(demoted.KID),
			Condition: backend.Revision(active.revision),
			Action:    backend.Put(backend.Item{Value: demotedValue}),
		})
	}

	revision, err := s.backend.AtomicWrite(ctx, condacts)
	if err != nil {
		return nil, trace.Wrap(err, "signing keys changed mid rotation")
	}
	promoted.revision = revision
	return promoted, nil
}

func marshalSigningKey(key *SigningKey) ([]byte, error) {
	if err := key.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := utils.FastMarshal(key)
	return value, trace.Wrap(err)
}

func unmarshalSigningKey(item backend.Item) (*SigningKey, error) {
	var key SigningKey
	if err := utils.FastUnmarshal(item.Value, &key); err != nil {
		return nil, trace.Wrap(err)
	}
	key.revision = item.Revision
	return &key, nil
}
