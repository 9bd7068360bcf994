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

package token

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/keystore"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

var issuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: utils.MetricsNamespace,
	Name:      "tokens_issued_total",
	Help:      "Number of downstream tokens minted",
})

// isStandardClaim reports whether the gateway owns this claim on the
// downstream token, standard claims are never forwarded from the
// inbound one.
func isStandardClaim(name string) bool {
	switch name {
	case "iss", "sub", "aud", "exp", "nbf", "iat", "jti", aussie.OriginalIssuerClaim:
		return true
	}
	return false
}

// IssuerConfig configures the downstream token issuer.
type IssuerConfig struct {
	// KeyStore provides the active signing key.
	KeyStore *keystore.Service
	// Issuer is the iss claim on minted tokens, the gateway's own
	// issuer URL.
	Issuer string
	// Audience is the aud claim on minted tokens. Optional, tokens are
	// minted without an audience when empty.
	Audience string
	// ForwardedClaims names the inbound claims copied onto minted
	// tokens. Claims not listed here are dropped.
	ForwardedClaims []string
	// KeyIDFallback allows signing with the most recently demoted key
	// when no key is active, trading strict rotation hygiene for
	// availability during a botched rotation.
	KeyIDFallback bool
	// TTL is the lifetime of minted tokens.
	TTL time.Duration
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *IssuerConfig) CheckAndSetDefaults() error {
	if c.KeyStore == nil {
		return trace.BadParameter("missing parameter KeyStore")
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing parameter Issuer")
	}
	if c.TTL == 0 {
		c.TTL = defaults.AccessTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentIssuer)
	}
	return nil
}

// Issuer mints the short-lived tokens the gateway forwards to backend
// services. Minted tokens carry the upstream issuer in original_iss so
// backends can tell which provider vouched for the subject.
type Issuer struct {
	cfg    IssuerConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewIssuer creates a downstream token issuer.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(issuedTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Issuer{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}, nil
}

// Issue mints a downstream token for the given identity. The grants map
// holds claims produced by translation, they win over any claim of the
// same name forwarded from the inbound token.
func (i *Issuer) Issue(ctx context.Context, identity *Identity, grants map[string]any) (string, error) {
	if identity == nil {
		return "", trace.BadParameter("missing parameter identity")
	}
	active, err := i.signingKey(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	private, err := active.Signer()
	if err != nil {
		return "", trace.Wrap(err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: private},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", active.KID),
	)
	if err != nil {
		return "", trace.Wrap(err)
	}

	now := i.clock.Now()
	std := jwt.Claims{
		Issuer:    i.cfg.Issuer,
		Subject:   identity.Subject,
		Expiry:    jwt.NewNumericDate(now.Add(i.cfg.TTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	if i.cfg.Audience != "" {
		std.Audience = jwt.Audience{i.cfg.Audience}
	}

	custom := make(map[string]any, len(i.cfg.ForwardedClaims)+len(grants)+1)
	for _, name := range i.cfg.ForwardedClaims {
		if isStandardClaim(name) {
			continue
		}
		if value, ok := identity.Claims[name]; ok {
			custom[name] = value
		}
	}
	for name, value := range grants {
		if isStandardClaim(name) {
			continue
		}
		custom[name] = value
	}
	custom[aussie.OriginalIssuerClaim] = identity.Issuer

	raw, err := jwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	issuedTotal.Inc()
	return raw, nil
}

// Available reports whether minting is currently possible: a usable
// signing key with private material is reachable. Deploy orchestration
// reads this through the readiness endpoint.
func (i *Issuer) Available(ctx context.Context) bool {
	key, err := i.signingKey(ctx)
	if err != nil {
		return false
	}
	_, err = key.Signer()
	return err == nil
}

// signingKey resolves the key minted tokens are signed with. Lookup
// failures surface as connection problems so callers can tell issuer
// outages apart from bad requests.
func (i *Issuer) signingKey(ctx context.Context) (*keystore.SigningKey, error) {
	active, err := i.cfg.KeyStore.GetActiveSigningKey(ctx)
	if err == nil {
		return active, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.ConnectionProblem(err, "signing key unavailable")
	}
	if !i.cfg.KeyIDFallback {
		return nil, trace.ConnectionProblem(err, "no active signing key")
	}
	// The fallback candidate must still be in the verification set,
	// downstream services cannot check a signature made with a key that
	// left the JWKS.
	keys, err := i.cfg.KeyStore.VerificationSigningKeys(ctx)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "signing key unavailable")
	}
	var fallback *keystore.SigningKey
	for _, key := range keys {
		if key.Status != keystore.StatusDeprecated {
			continue
		}
		if fallback == nil || key.ActivatedAt.After(fallback.ActivatedAt) {
			fallback = key
		}
	}
	if fallback == nil {
		return nil, trace.ConnectionProblem(nil, "no active signing key and no fallback candidate")
	}
	i.logger.WarnContext(ctx, "No active signing key, falling back to the most recently demoted key.", "kid", fallback.KID)
	return fallback, nil
}

// TTL returns the lifetime of minted tokens.
func (i *Issuer) TTL() time.Duration {
	return i.cfg.TTL
}
