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

// Package gateway runs the per request token pipeline: validate the
// inbound token, check it against revocations, translate its claims to
// internal grants and mint the downstream token that gets forwarded.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/revocation"
	"github.com/aussieco/aussie/lib/token"
	"github.com/aussieco/aussie/lib/translate"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// DegradedHeader marks a forwarded request that carries the original
// inbound token because minting a downstream token was not possible.
// Upstream services can refuse such requests or restrict them.
const DegradedHeader = "X-Aussie-Degraded"

// DegradedHeaderValue is the value set on DegradedHeader.
const DegradedHeaderValue = "issuer-unavailable"

// Denial reasons that do not come out of token validation.
const (
	// ReasonNoToken means the request carried no bearer token.
	ReasonNoToken = "NoToken"
	// ReasonRevoked means the token or its subject is revoked. Also
	// used when the revocation store could not answer, uncertainty on
	// this path reads as revoked.
	ReasonRevoked = "revoked"
)

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: utils.MetricsNamespace,
	Name:      "gateway_decisions_total",
	Help:      "Number of pipeline decisions by result",
}, []string{"result"})

// ConfigProvider serves the compiled translator for the active
// translation config.
type ConfigProvider interface {
	ActiveTranslator(ctx context.Context) (*translate.Translator, error)
}

// RoleExpander resolves stored role names into the union of their
// permission sets.
type RoleExpander interface {
	Expand(ctx context.Context, names []string) ([]string, error)
}

// Decision is the outcome of running a request through the pipeline.
type Decision struct {
	// Allow reports whether the request may be forwarded upstream.
	Allow bool
	// Status is the HTTP status to answer with when Allow is false.
	Status int
	// Reason is a client safe explanation of a denial.
	Reason string
	// Token is the bearer token to forward upstream.
	Token string
	// Degraded marks a forward that carries the original inbound token
	// instead of a freshly minted one.
	Degraded bool
	// Identity is the verified inbound identity, nil when validation
	// never succeeded.
	Identity *token.Identity
	// Translated is the translation result backing the forwarded
	// grants.
	Translated *translate.TranslatedClaims
}

// PipelineConfig configures the token pipeline.
type PipelineConfig struct {
	// Validator verifies inbound tokens.
	Validator *token.Validator
	// Issuer mints the downstream tokens.
	Issuer *token.Issuer
	// Configs serves the active translation schema.
	Configs ConfigProvider
	// Roles expands stored role records into extra permissions for the
	// translated roles. Optional, nil grants only what the schema maps
	// inline.
	Roles RoleExpander
	// Checker answers revocation checks. Optional, nil disables
	// revocation checking entirely.
	Checker *revocation.Checker
	// DegradedMode forwards the original inbound token when minting
	// fails instead of failing the request.
	DegradedMode bool
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PipelineConfig) CheckAndSetDefaults() error {
	if c.Validator == nil {
		return trace.BadParameter("missing parameter Validator")
	}
	if c.Issuer == nil {
		return trace.BadParameter("missing parameter Issuer")
	}
	if c.Configs == nil {
		return trace.BadParameter("missing parameter Configs")
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentGateway)
	}
	return nil
}

// Pipeline is the per request token exchange.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
}

// NewPipeline creates a token pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(decisionsTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger}, nil
}

// Process runs one inbound bearer token through the pipeline and
// decides what to forward.
func (p *Pipeline) Process(ctx context.Context, rawToken string) Decision {
	if rawToken == "" {
		return p.deny(ctx, http.StatusUnauthorized, ReasonNoToken, nil)
	}

	identity, err := p.cfg.Validator.Validate(ctx, rawToken)
	if err != nil {
		reason, ok := token.ReasonOf(err)
		if !ok {
			reason = token.ReasonMalformed
		}
		return p.deny(ctx, http.StatusUnauthorized, string(reason), err)
	}

	if p.cfg.Checker != nil && p.cfg.Checker.Check(ctx, identity.JTI, identity.Subject, identity.IssuedAt) {
		return p.deny(ctx, http.StatusUnauthorized, ReasonRevoked, nil)
	}

	translator, err := p.cfg.Configs.ActiveTranslator(ctx)
	if err != nil {
		// No schema at all means the gateway cannot decide what the
		// caller is allowed to do. That holds both for a store outage
		// with no last known good schema and for a gateway nobody
		// configured yet.
		if trace.IsNotFound(err) {
			return p.deny(ctx, http.StatusServiceUnavailable, "no active translation config", err)
		}
		return p.deny(ctx, http.StatusServiceUnavailable, "translation config unavailable", err)
	}

	translated := translator.Translate(identity.Claims)
	if translator.DenyOnNoMatch() && len(translated.Roles) == 0 && len(translated.Permissions) == 0 {
		return p.deny(ctx, http.StatusForbidden, "no authorization mapping matched", nil)
	}

	// Stored role records grant permissions on top of the inline schema
	// mappings. Grants are computed correctly or not at all, a partial
	// answer here would mint a token with the wrong privileges.
	if p.cfg.Roles != nil && len(translated.Roles) > 0 {
		expanded, err := p.cfg.Roles.Expand(ctx, translated.Roles)
		if err != nil {
			return p.deny(ctx, http.StatusServiceUnavailable, "role expansion unavailable", err)
		}
		merged := append(translated.Permissions, expanded...)
		slices.Sort(merged)
		translated.Permissions = slices.Compact(merged)
	}

	grants := map[string]any{
		"roles":       translated.Roles,
		"permissions": translated.Permissions,
	}
	minted, err := p.cfg.Issuer.Issue(ctx, identity, grants)
	if err != nil {
		if p.cfg.DegradedMode {
			decisionsTotal.WithLabelValues("degraded").Inc()
			p.logger.WarnContext(ctx, "Token issuance failed, forwarding the original token.",
				"subject", identity.Subject, "error", err)
			return Decision{
				Allow:      true,
				Token:      rawToken,
				Degraded:   true,
				Identity:   identity,
				Translated: translated,
			}
		}
		return p.deny(ctx, http.StatusServiceUnavailable, "token issuance unavailable", err)
	}

	decisionsTotal.WithLabelValues("forward").Inc()
	return Decision{
		Allow:      true,
		Token:      minted,
		Identity:   identity,
		Translated: translated,
	}
}

func (p *Pipeline) deny(ctx context.Context, status int, reason string, err error) Decision {
	decisionsTotal.WithLabelValues("deny").Inc()
	if err != nil {
		p.logger.DebugContext(ctx, "Denying request.", "status", status, "reason", reason, "error", err)
	} else {
		p.logger.DebugContext(ctx, "Denying request.", "status", status, "reason", reason)
	}
	return Decision{Status: status, Reason: reason}
}
