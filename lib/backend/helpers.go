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

package backend

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/aussieco/aussie"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

const locksPrefix = ".locks"

// lockRetryInterval is how often a contended acquire polls for the lock
// to free up.
const lockRetryInterval = 250 * time.Millisecond

func lockKey(name string) Key {
	return NewKey(locksPrefix, name)
}

// Lock is a fleet wide mutex on top of the backend. It is held by
// whoever created the lock item and released by deleting it; the TTL
// bounds how long a crashed holder can block its peers.
type Lock struct {
	key Key
	id  string
	ttl time.Duration

	mu       sync.Mutex
	revision string
}

// AcquireLock grabs the named lock, polling until it frees up or the
// context is canceled. The lock expires on its own after ttl unless
// refreshed.
func AcquireLock(ctx context.Context, bk Backend, lockName string, ttl time.Duration) (*Lock, error) {
	if lockName == "" {
		return nil, trace.BadParameter("missing parameter lockName")
	}
	if ttl <= 0 {
		return nil, trace.BadParameter("lock %q requires a positive ttl", lockName)
	}
	key := lockKey(lockName)
	id := uuid.NewString()
	for {
		lease, err := bk.Create(ctx, Item{
			Key:     key,
			Value:   []byte(id),
			Expires: bk.Clock().Now().UTC().Add(ttl),
		})
		if err == nil {
			return &Lock{key: key, id: id, ttl: ttl, revision: lease.Revision}, nil
		}
		if !trace.IsAlreadyExists(err) {
			return nil, trace.Wrap(err)
		}
		select {
		case <-bk.Clock().After(lockRetryInterval):
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
}

// Release frees the lock. A lock that expired and was grabbed by a peer
// is not stolen back, the release fails with CompareFailed instead.
func (l *Lock) Release(ctx context.Context, bk Backend) error {
	l.mu.Lock()
	revision := l.revision
	l.mu.Unlock()
	if err := bk.ConditionalDelete(ctx, l.key, revision); err != nil {
		if trace.IsNotFound(err) || trace.IsCompareFailed(err) {
			return trace.CompareFailed("lock %v expired or changed ownership before release", l.key)
		}
		return trace.Wrap(err)
	}
	return nil
}

// refresh extends the lock by another TTL.
func (l *Lock) refresh(ctx context.Context, bk Backend) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, err := bk.ConditionalUpdate(ctx, Item{
		Key:      l.key,
		Value:    []byte(l.id),
		Expires:  bk.Clock().Now().UTC().Add(l.ttl),
		Revision: l.revision,
	})
	if err != nil {
		if trace.IsNotFound(err) || trace.IsCompareFailed(err) {
			return trace.CompareFailed("lock %v expired or changed ownership mid refresh", l.key)
		}
		return trace.Wrap(err)
	}
	l.revision = lease.Revision
	return nil
}

// RunWhileLocked runs fn while holding the named lock, refreshing it at
// half TTL so fn may outlive the TTL. When a refresh fails the fn
// context is canceled: the lock is gone and a peer may already be
// running.
func RunWhileLocked(ctx context.Context, bk Backend, lockName string, ttl time.Duration, fn func(context.Context) error) error {
	lock, err := AcquireLock(ctx, bk, lockName, ttl)
	if err != nil {
		return trace.Wrap(err)
	}
	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentBackend)
	stopRefresh := make(chan struct{})
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		for {
			select {
			case <-bk.Clock().After(ttl / 2):
				if err := lock.refresh(ctx, bk); err != nil {
					logger.WarnContext(ctx, "Failed to refresh backend lock.", "lock", lockName, "error", err)
					cancel()
					return
				}
			case <-stopRefresh:
				return
			}
		}
	}()

	fnErr := fn(fnCtx)
	close(stopRefresh)
	<-refreshDone

	if err := lock.Release(ctx, bk); err != nil && !trace.IsCompareFailed(err) {
		return trace.NewAggregate(fnErr, err)
	}
	return fnErr
}
