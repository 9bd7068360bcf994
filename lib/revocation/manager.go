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
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

var (
	revocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "revocations_total",
			Help:      "Number of recorded revocations by kind",
		},
		[]string{"kind"},
	)
	eventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "revocation_event_publish_failures_total",
			Help:      "Number of revocation events that could not be published",
		},
	)
)

// ManagerConfig configures the revocation manager.
type ManagerConfig struct {
	// Store is the authoritative revocation store.
	Store Store
	// Bus broadcasts revocations to the other gateway instances.
	// Optional, single instance deployments run without one.
	Bus Bus
	// Front is the bloom filter kept in sync with revocations. Optional.
	Front *Front
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentRevocation)
	}
	return nil
}

// Manager ties the revocation store, the event bus and the bloom front
// together: revocations land in the store first, then get announced to
// the fleet. A failed announcement never fails the revocation, the
// store write is what makes it stick.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewManager creates a revocation manager and, when both a bus and a
// bloom front are configured, subscribes the front to token revocation
// events from the rest of the fleet.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(revocationsTotal, eventPublishFailures); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Bus != nil && cfg.Front != nil {
		front := cfg.Front
		cfg.Bus.Subscribe(func(ctx context.Context, event Event) {
			if event.Type == EventJTIRevoked {
				front.Add(event.JTI)
			}
		})
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}, nil
}

// RevokeToken revokes a single token until it would have expired
// anyway. Revoking an already expired token is a no-op.
func (m *Manager) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if err := m.cfg.Store.RevokeJTI(ctx, jti, expiresAt); err != nil {
		return trace.Wrap(err)
	}
	if !expiresAt.After(m.clock.Now()) {
		// Nothing was recorded, nothing to announce.
		return nil
	}
	revocationsTotal.WithLabelValues("jti").Inc()
	m.announce(ctx, Event{Type: EventJTIRevoked, JTI: jti, ExpiresAt: expiresAt.UTC()})
	return nil
}

// RevokeUser revokes every token of the user issued before the cutoff.
// The entry replaces any earlier revocation of the same user and holds
// until expiresAt, by which time all covered tokens have expired too.
func (m *Manager) RevokeUser(ctx context.Context, userID string, issuedBefore, expiresAt time.Time) error {
	if err := m.cfg.Store.RevokeUser(ctx, userID, issuedBefore, expiresAt); err != nil {
		return trace.Wrap(err)
	}
	revocationsTotal.WithLabelValues("user").Inc()
	m.announce(ctx, Event{
		Type:         EventUserRevoked,
		UserID:       userID,
		IssuedBefore: issuedBefore.UTC(),
		ExpiresAt:    expiresAt.UTC(),
	})
	return nil
}

// Store returns the authoritative revocation store.
func (m *Manager) Store() Store {
	return m.cfg.Store
}

// announce feeds the local bloom front right away and broadcasts the
// event. The direct add closes the gap between the store write and the
// event coming back through the bus, duplicate adds are harmless.
func (m *Manager) announce(ctx context.Context, event Event) {
	if m.cfg.Front != nil && event.Type == EventJTIRevoked {
		m.cfg.Front.Add(event.JTI)
	}
	if m.cfg.Bus == nil {
		return
	}
	if err := m.cfg.Bus.Publish(ctx, event); err != nil {
		eventPublishFailures.Inc()
		m.logger.WarnContext(ctx, "Failed to publish revocation event, other instances rely on the next bloom rebuild.",
			"type", event.Type, "error", err)
	}
}
