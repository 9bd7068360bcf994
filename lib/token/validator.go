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

// Package token validates inbound bearer tokens against upstream
// identity providers and mints the gateway's own downstream tokens.
package token

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/jwks"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// Reason classifies why a token failed validation. The reason is safe
// to surface to clients and is recorded on metrics, the wrapped error
// is not.
type Reason string

const (
	// ReasonExpired means the token is past its expiry.
	ReasonExpired Reason = "Expired"
	// ReasonBadIssuer means the issuer is unknown or does not match.
	ReasonBadIssuer Reason = "BadIssuer"
	// ReasonBadAudience means the audience does not match the provider.
	ReasonBadAudience Reason = "BadAudience"
	// ReasonBadSignature means the signature did not verify or the key
	// id is not in the provider's key set.
	ReasonBadSignature Reason = "BadSignature"
	// ReasonMalformed means the token could not be parsed or is missing
	// required claims.
	ReasonMalformed Reason = "Malformed"
	// ReasonJwksUnavailable means the provider's key set could not be
	// fetched, so the token could not be checked at all.
	ReasonJwksUnavailable Reason = "JwksUnavailable"
)

// ValidationError carries the classification of a failed validation.
type ValidationError struct {
	// Reason is the client-safe classification.
	Reason Reason
	// Err is the underlying cause.
	Err error
}

// Error returns the underlying error message.
func (e *ValidationError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error { return e.Err }

// ReasonOf extracts the validation reason from an error chain.
func ReasonOf(err error) (Reason, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}

func failValidation(reason Reason, err error) error {
	validationsTotal.WithLabelValues(string(reason)).Inc()
	return &ValidationError{Reason: reason, Err: err}
}

var validationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: utils.MetricsNamespace,
	Name:      "token_validations_total",
	Help:      "Number of inbound token validations by result",
}, []string{"result"})

// Identity is the verified identity extracted from an inbound token.
type Identity struct {
	// Subject is the sub claim.
	Subject string
	// Issuer is the verified iss claim.
	Issuer string
	// Provider is the name of the provider that verified the token.
	Provider string
	// Audience is the aud claim.
	Audience []string
	// JTI is the token id, empty if the token carries none.
	JTI string
	// IssuedAt is the iat claim, zero if absent.
	IssuedAt time.Time
	// Expiry is the exp claim.
	Expiry time.Time
	// Claims holds every claim of the token, standard and custom.
	Claims map[string]any
}

// ProviderConfig describes one trusted upstream identity provider.
type ProviderConfig struct {
	// Name identifies the provider in configuration and logs.
	Name string `yaml:"name"`
	// Issuer is the exact iss claim value the provider mints.
	Issuer string `yaml:"issuer"`
	// JWKSURL is the provider's key set endpoint.
	JWKSURL string `yaml:"jwks_url"`
	// Audiences lists the audience values accepted from this provider.
	// Empty means the audience is not checked.
	Audiences []string `yaml:"audiences,omitempty"`
	// ClaimsMapping renames provider-specific claims to the names the
	// rest of the gateway expects, the original claim is kept as well.
	ClaimsMapping map[string]string `yaml:"claims_mapping,omitempty"`
}

// CheckAndSetDefaults validates the provider description.
func (c *ProviderConfig) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing provider name")
	}
	if c.Issuer == "" {
		return trace.BadParameter("provider %q: missing issuer", c.Name)
	}
	if c.JWKSURL == "" {
		return trace.BadParameter("provider %q: missing jwks_url", c.Name)
	}
	return nil
}

// ValidatorConfig configures the inbound token validator.
type ValidatorConfig struct {
	// Providers lists the trusted upstream identity providers.
	Providers []ProviderConfig
	// Client is the HTTP client for key set fetches.
	Client *http.Client
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
	// Leeway is the clock skew tolerance for time claims.
	Leeway time.Duration
	// KeyRefreshInterval overrides how long fetched key sets stay fresh.
	KeyRefreshInterval time.Duration
	// KeyStaleWhileError overrides how long a stale key set keeps
	// serving lookups while refreshes fail.
	KeyStaleWhileError time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ValidatorConfig) CheckAndSetDefaults() error {
	if len(c.Providers) == 0 {
		return trace.BadParameter("missing parameter Providers")
	}
	for i := range c.Providers {
		if err := c.Providers[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.HTTPRequestTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentValidator)
	}
	if c.Leeway == 0 {
		c.Leeway = defaults.ClockSkewTolerance
	}
	return nil
}

type provider struct {
	name      string
	issuer    string
	audiences []string
	mapping   map[string]string
	keys      *jwks.Cache
}

// Validator verifies inbound bearer tokens. The issuer claim selects
// the provider, the kid header selects the verification key from the
// provider's cached key set.
type Validator struct {
	cfg        ValidatorConfig
	logger     *slog.Logger
	clock      clockwork.Clock
	algorithms []jose.SignatureAlgorithm
	providers  map[string]*provider
}

// NewValidator creates a validator for the configured providers.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(validationsTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	providers := make(map[string]*provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		if _, ok := providers[pc.Issuer]; ok {
			return nil, trace.BadParameter("duplicate provider issuer %q", pc.Issuer)
		}
		cache, err := jwks.NewCache(jwks.CacheConfig{
			URL:             pc.JWKSURL,
			Client:          cfg.Client,
			Clock:           cfg.Clock,
			RefreshInterval: cfg.KeyRefreshInterval,
			StaleWhileError: cfg.KeyStaleWhileError,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		providers[pc.Issuer] = &provider{
			name:      pc.Name,
			issuer:    pc.Issuer,
			audiences: pc.Audiences,
			mapping:   pc.ClaimsMapping,
			keys:      cache,
		}
	}
	return &Validator{
		cfg:        cfg,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		algorithms: []jose.SignatureAlgorithm{jose.RS256},
		providers:  providers,
	}, nil
}

// Validate verifies a raw bearer token and returns the identity it
// proves. Failures carry a Reason retrievable with ReasonOf.
func (v *Validator) Validate(ctx context.Context, raw string) (*Identity, error) {
	parsed, err := jwt.ParseSigned(raw, v.algorithms)
	if err != nil {
		return nil, failValidation(ReasonMalformed, trace.BadParameter("parsing token: %v", err))
	}

	// The provider is selected on the unverified issuer claim, the
	// claim is verified again after the signature check.
	var unverified jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return nil, failValidation(ReasonMalformed, trace.BadParameter("reading token claims: %v", err))
	}
	if unverified.Issuer == "" {
		return nil, failValidation(ReasonBadIssuer, trace.BadParameter("token has no issuer"))
	}
	prov, ok := v.providers[unverified.Issuer]
	if !ok {
		return nil, failValidation(ReasonBadIssuer, trace.AccessDenied("issuer %q is not trusted", unverified.Issuer))
	}

	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, failValidation(ReasonMalformed, trace.BadParameter("token has no key id"))
	}
	kid := parsed.Headers[0].KeyID

	key, err := prov.keys.Key(ctx, kid)
	if err != nil {
		if trace.IsConnectionProblem(err) {
			return nil, failValidation(ReasonJwksUnavailable, err)
		}
		return nil, failValidation(ReasonBadSignature, err)
	}

	var claims jwt.Claims
	var all map[string]any
	if err := parsed.Claims(key, &claims, &all); err != nil {
		return nil, failValidation(ReasonBadSignature, trace.AccessDenied("token signature does not verify: %v", err))
	}

	expected := jwt.Expected{
		Issuer: prov.issuer,
		Time:   v.clock.Now(),
	}
	if len(prov.audiences) > 0 {
		expected.AnyAudience = jwt.Audience(prov.audiences)
	}
	if err := claims.ValidateWithLeeway(expected, v.cfg.Leeway); err != nil {
		switch {
		case errors.Is(err, jwt.ErrExpired):
			return nil, failValidation(ReasonExpired, err)
		case errors.Is(err, jwt.ErrInvalidAudience):
			return nil, failValidation(ReasonBadAudience, err)
		case errors.Is(err, jwt.ErrInvalidIssuer):
			return nil, failValidation(ReasonBadIssuer, err)
		default:
			// Tokens not valid yet or issued in the future are treated
			// as malformed rather than retryable.
			return nil, failValidation(ReasonMalformed, err)
		}
	}
	if claims.Subject == "" {
		return nil, failValidation(ReasonMalformed, trace.BadParameter("token has no subject"))
	}
	if claims.Expiry == nil {
		return nil, failValidation(ReasonMalformed, trace.BadParameter("token has no expiry"))
	}

	// Provider-specific claim names are aliased to their canonical
	// names, the original claims stay in place.
	for external, internal := range prov.mapping {
		if value, ok := all[external]; ok {
			all[internal] = value
		}
	}

	validationsTotal.WithLabelValues("ok").Inc()
	identity := &Identity{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Provider: prov.name,
		Audience: claims.Audience,
		JTI:      claims.ID,
		Expiry:   claims.Expiry.Time(),
		Claims:   all,
	}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time()
	}
	return identity, nil
}

// WarmUp prefetches every provider's key set. Failures are logged, a
// provider that cannot be reached at startup will be retried on first
// use.
func (v *Validator) WarmUp(ctx context.Context) {
	for _, prov := range v.providers {
		if err := prov.keys.Refresh(ctx); err != nil {
			v.logger.WarnContext(ctx, "Failed to prefetch provider key set.",
				"provider", prov.name, "error", err)
		}
	}
}
