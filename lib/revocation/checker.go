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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

var checksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: utils.MetricsNamespace,
		Name:      "revocation_checks_total",
		Help:      "Number of request time revocation checks by result",
	},
	[]string{"result"},
)

// CheckerConfig configures the request time revocation checker.
type CheckerConfig struct {
	// Store is the authoritative revocation store.
	Store Store
	// Front short-circuits lookups for tokens that were definitely
	// never revoked. Optional.
	Front *Front
	// DisableUserCheck skips the per-user revocation lookup.
	DisableUserCheck bool
	// Timeout bounds a single check including both lookups. A check
	// that does not finish in time denies the request.
	Timeout time.Duration
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CheckerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.RevocationCheckTimeout
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentRevocation)
	}
	return nil
}

// Checker decides on the request path whether a token is revoked. The
// decision is fail closed: a store error or a blown timeout reports the
// token as revoked, on an authorization path uncertainty means deny.
type Checker struct {
	cfg    CheckerConfig
	logger *slog.Logger
}

// NewChecker creates a request time revocation checker.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(checksTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Checker{cfg: cfg, logger: cfg.Logger}, nil
}

// Check reports whether the token must be treated as revoked. A token
// without a jti skips the per-token lookup, it has no revocation
// handle. A missing issuance time counts as issued before any user
// cutoff, a token that cannot prove it predates a user revocation is
// covered by it.
func (c *Checker) Check(ctx context.Context, jti, userID string, issuedAt time.Time) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if jti != "" && (c.cfg.Front == nil || c.cfg.Front.MightContain(jti)) {
		revoked, err := c.cfg.Store.IsRevoked(ctx, jti)
		if err != nil {
			checksTotal.WithLabelValues("error").Inc()
			c.logger.WarnContext(ctx, "Revocation lookup failed, treating the token as revoked.",
				"jti", jti, "error", err)
			return true
		}
		if revoked {
			checksTotal.WithLabelValues("revoked_jti").Inc()
			return true
		}
	}

	if !c.cfg.DisableUserCheck && userID != "" {
		revoked, err := c.cfg.Store.IsUserRevoked(ctx, userID, issuedAt)
		if err != nil {
			checksTotal.WithLabelValues("error").Inc()
			c.logger.WarnContext(ctx, "User revocation lookup failed, treating the token as revoked.",
				"user", userID, "error", err)
			return true
		}
		if revoked {
			checksTotal.WithLabelValues("revoked_user").Inc()
			return true
		}
	}

	checksTotal.WithLabelValues("clear").Inc()
	return false
}
