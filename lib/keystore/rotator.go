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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
	"github.com/aussieco/aussie/lib/utils/retryutils"
)

var (
	rotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: utils.MetricsNamespace,
		Name:      "keystore_rotations_total",
		Help:      "Number of completed signing key rotations",
	})
	rotationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: utils.MetricsNamespace,
		Name:      "keystore_rotation_failures_total",
		Help:      "Number of rotation runs that exhausted their retry budget",
	})
)

// RotatorConfig configures the signing key rotator.
type RotatorConfig struct {
	// Service persists the signing keys.
	Service *Service
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger

	// RotationInterval is how long a key stays active before its
	// successor takes over.
	RotationInterval time.Duration
	// PendingGrace is the head start a successor key gets in the JWKS
	// before it starts signing. It must cover JWKSTTL, otherwise
	// downstream caches can miss the new key at cutover.
	PendingGrace time.Duration
	// JWKSTTL is the max-age the JWKS endpoint serves, used to validate
	// PendingGrace.
	JWKSTTL time.Duration
	// DeprecatedRetention is how long a demoted key keeps verifying. It
	// must cover MaxTokenTTL so tokens signed just before rotation stay
	// verifiable until they expire.
	DeprecatedRetention time.Duration
	// MaxTokenTTL is the longest lifetime of tokens minted by the
	// gateway, used to validate DeprecatedRetention.
	MaxTokenTTL time.Duration
	// RetiredArchiveTTL is how long retired records linger before
	// deletion.
	RetiredArchiveTTL time.Duration
	// CheckInterval is the reconcile cadence.
	CheckInterval time.Duration
	// LockTTL is the lease of the distributed lock held while
	// reconciling, so replicas do not race each other through the
	// lifecycle writes.
	LockTTL time.Duration

	// KeyBits is the modulus size for generated keys.
	KeyBits int
	// MaxAttempts bounds retries within one reconcile run.
	MaxAttempts int
	// RetryStep is the linear backoff step between attempts.
	RetryStep time.Duration
	// RetryMax caps the backoff between attempts.
	RetryMax time.Duration

	// OnRotationFailed, when set, is called after a run exhausts its
	// retry budget. Used to raise operator alerts.
	OnRotationFailed func(error)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RotatorConfig) CheckAndSetDefaults() error {
	if c.Service == nil {
		return trace.BadParameter("missing parameter Service")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentRotation)
	}
	if c.RotationInterval == 0 {
		c.RotationInterval = defaults.KeyRotationInterval
	}
	if c.PendingGrace == 0 {
		c.PendingGrace = defaults.KeyPendingGrace
	}
	if c.JWKSTTL == 0 {
		c.JWKSTTL = defaults.JWKSPublicTTL
	}
	if c.DeprecatedRetention == 0 {
		c.DeprecatedRetention = defaults.KeyDeprecatedRetention
	}
	if c.MaxTokenTTL == 0 {
		c.MaxTokenTTL = defaults.AccessTokenTTL
	}
	if c.RetiredArchiveTTL == 0 {
		c.RetiredArchiveTTL = defaults.KeyRetiredArchiveTTL
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = defaults.KeyRotationCheckInterval
	}
	if c.LockTTL == 0 {
		c.LockTTL = defaults.KeyRotationLockTTL
	}
	if c.KeyBits == 0 {
		c.KeyBits = defaults.RSAKeyBits
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.KeyRotationMaxAttempts
	}
	if c.RetryStep == 0 {
		c.RetryStep = defaults.KeyRotationRetryStep
	}
	if c.RetryMax == 0 {
		c.RetryMax = defaults.KeyRotationRetryMax
	}
	if c.PendingGrace < c.JWKSTTL {
		return trace.BadParameter("pending grace %v is shorter than the JWKS TTL %v, downstream caches could miss the new key at cutover", c.PendingGrace, c.JWKSTTL)
	}
	if c.DeprecatedRetention < c.MaxTokenTTL {
		return trace.BadParameter("deprecated retention %v is shorter than the max token TTL %v, tokens signed before rotation would fail verification", c.DeprecatedRetention, c.MaxTokenTTL)
	}
	if c.PendingGrace >= c.RotationInterval {
		return trace.BadParameter("pending grace %v must be shorter than the rotation interval %v", c.PendingGrace, c.RotationInterval)
	}
	return nil
}

// Rotator drives signing keys through their lifecycle on a schedule:
// it pre-generates the successor ahead of rotation so the JWKS carries
// it for at least the pending grace, atomically swaps active keys, and
// sweeps demoted keys into retirement and deletion.
type Rotator struct {
	cfg    RotatorConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewRotator creates a rotator, it does not start any background work.
func NewRotator(cfg RotatorConfig) (*Rotator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(rotationsTotal, rotationFailuresTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Rotator{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}, nil
}

// Run reconciles the key lifecycle until the context is canceled. A
// reconcile pass that keeps failing past the retry budget is reported
// through the failure counter and the OnRotationFailed hook, then the
// rotator waits for the next tick rather than giving up.
func (r *Rotator) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Starting signing key rotator.",
		"rotation_interval", r.cfg.RotationInterval,
		"pending_grace", r.cfg.PendingGrace,
		"deprecated_retention", r.cfg.DeprecatedRetention)
	for {
		if err := r.reconcileWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			rotationFailuresTotal.Inc()
			r.logger.ErrorContext(ctx, "Signing key rotation failed and exhausted its retry budget.",
				"attempts", r.cfg.MaxAttempts, "error", err)
			if r.cfg.OnRotationFailed != nil {
				r.cfg.OnRotationFailed(err)
			}
		}
		// Jittered so replicas spread their passes instead of hitting
		// the backend in lockstep.
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(retryutils.SeventhJitter(r.cfg.CheckInterval)):
		}
	}
}

func (r *Rotator) reconcileWithRetry(ctx context.Context) error {
	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		Step:   r.cfg.RetryStep,
		Max:    r.cfg.RetryMax,
		Jitter: retryutils.FullJitter,
		Clock:  r.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		// The lock is taken per attempt rather than around the whole
		// retry loop, a replica stuck in backoff must not starve the
		// others.
		lastErr = r.cfg.Service.WithRotationLock(ctx, r.cfg.LockTTL, r.Reconcile)
		if lastErr == nil {
			return nil
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		r.logger.WarnContext(ctx, "Signing key reconcile failed, retrying.",
			"attempt", attempt, "error", lastErr)
		retry.Inc()
		select {
		case <-retry.After():
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	return trace.Wrap(lastErr)
}

// Reconcile runs a single lifecycle pass.
func (r *Rotator) Reconcile(ctx context.Context) error {
	now := r.clock.Now()
	keys, err := r.cfg.Service.ListSigningKeys(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	var active, pending *SigningKey
	for _, key := range keys {
		switch key.Status {
		case StatusActive:
			if active == nil || key.ActivatedAt.After(active.ActivatedAt) {
				active = key
			}
		case StatusPending:
			// The oldest pending key is promoted first: it has been
			// published the longest and is the most likely to have
			// propagated to downstream JWKS caches.
			if pending == nil || key.CreatedAt.Before(pending.CreatedAt) {
				pending = key
			}
		}
	}

	if active == nil {
		return trace.Wrap(r.bootstrap(ctx, pending))
	}

	age := now.Sub(active.ActivatedAt)
	if age >= r.cfg.RotationInterval-r.cfg.PendingGrace && pending == nil {
		created, err := r.generatePending(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		pending = created
	}
	if age >= r.cfg.RotationInterval && pending != nil {
		if now.Sub(pending.CreatedAt) < r.cfg.PendingGrace {
			r.logger.DebugContext(ctx, "Holding rotation until the pending key has been published long enough.",
				"kid", pending.KID, "published_for", now.Sub(pending.CreatedAt))
		} else {
			promoted, err := r.cfg.Service.RotateActiveSigningKey(ctx, pending.KID)
			if err != nil {
				return trace.Wrap(err)
			}
			rotationsTotal.Inc()
			r.logger.InfoContext(ctx, "Rotated active signing key.",
				"kid", promoted.KID, "previous_kid", active.KID)
		}
	}

	return trace.Wrap(r.sweep(ctx, keys, now))
}

// ForceRotate generates a fresh key and activates it immediately,
// bypassing the pending grace. Downstream caches that have not seen the
// new kid will refresh on demand, so forcing rotation trades a burst of
// JWKS fetches for an immediate cutover.
func (r *Rotator) ForceRotate(ctx context.Context) (*SigningKey, error) {
	var promoted *SigningKey
	err := r.cfg.Service.WithRotationLock(ctx, r.cfg.LockTTL, func(ctx context.Context) error {
		created, err := r.generatePending(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		promoted, err = r.cfg.Service.RotateActiveSigningKey(ctx, created.KID)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rotationsTotal.Inc()
	r.logger.WarnContext(ctx, "Forced signing key rotation, pending grace was bypassed.", "kid", promoted.KID)
	return promoted, nil
}

// bootstrap handles the empty keystore: the very first key is activated
// immediately since nothing has been signed yet.
func (r *Rotator) bootstrap(ctx context.Context, pending *SigningKey) error {
	if pending == nil {
		created, err := r.generatePending(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		pending = created
	}
	promoted, err := r.cfg.Service.RotateActiveSigningKey(ctx, pending.KID)
	if err != nil {
		return trace.Wrap(err)
	}
	r.logger.InfoContext(ctx, "Activated initial signing key.", "kid", promoted.KID)
	return nil
}

func (r *Rotator) generatePending(ctx context.Context) (*SigningKey, error) {
	key, err := GenerateSigningKey(r.clock, r.cfg.KeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := r.cfg.Service.CreateSigningKey(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.logger.InfoContext(ctx, "Generated pending signing key.", "kid", created.KID)
	return created, nil
}

// sweep retires deprecated keys past their retention and deletes
// retired keys past their archive window.
func (r *Rotator) sweep(ctx context.Context, keys []*SigningKey, now time.Time) error {
	for _, key := range keys {
		switch key.Status {
		case StatusDeprecated:
			if now.Sub(key.DeprecatedAt) < r.cfg.DeprecatedRetention {
				continue
			}
			if _, err := r.cfg.Service.UpdateSigningKeyStatus(ctx, key.KID, StatusRetired); err != nil {
				return trace.Wrap(err)
			}
			r.logger.InfoContext(ctx, "Retired signing key.", "kid", key.KID)
		case StatusRetired:
			if now.Sub(key.RetiredAt) < r.cfg.RetiredArchiveTTL {
				continue
			}
			if err := r.cfg.Service.DeleteSigningKey(ctx, key.KID); err != nil {
				if trace.IsNotFound(err) {
					continue
				}
				return trace.Wrap(err)
			}
			r.logger.InfoContext(ctx, "Deleted retired signing key.", "kid", key.KID)
		}
	}
	return nil
}
