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

// Package web is the gateway's HTTP surface: the published key set,
// the per request token exchange endpoint, and the admin API for
// revocations, translation configs, roles and signing keys.
package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/configstore"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/gateway"
	"github.com/aussieco/aussie/lib/httplib"
	"github.com/aussieco/aussie/lib/jwks"
	"github.com/aussieco/aussie/lib/keystore"
	"github.com/aussieco/aussie/lib/pkce"
	"github.com/aussieco/aussie/lib/revocation"
	"github.com/aussieco/aussie/lib/roles"
	"github.com/aussieco/aussie/lib/token"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// defaultListLimit caps admin listings unless the request asks for
// more.
const defaultListLimit = 100

// Config holds the collaborators the HTTP surface exposes.
type Config struct {
	// Pipeline drives the gateway check endpoint.
	Pipeline *gateway.Pipeline

	// Publisher serves the verification key set.
	Publisher *jwks.Publisher

	// Keys reads signing key records for the admin listing.
	Keys *keystore.Service

	// Rotator forces key rotations. Optional, the rotation endpoint
	// answers NotImplemented when unset.
	Rotator *keystore.Rotator

	// Revocations records revocations and announces them to the fleet.
	Revocations *revocation.Manager

	// Front is the bloom filter fronting revocation lookups. Optional,
	// the rebuild endpoint answers NotImplemented when unset.
	Front *revocation.Front

	// Configs is the translation config store.
	Configs *configstore.Tiered

	// Roles manages role records.
	Roles *roles.Service

	// Challenges is the one shot PKCE challenge store used by the
	// authorization flow fronting the gateway. Optional, the challenge
	// endpoints answer NotImplemented when unset.
	Challenges pkce.Store

	// TokenIssuer answers the readiness probe. Optional, readiness
	// reports ok without it.
	TokenIssuer *token.Issuer

	// ChallengeTTL is how long a stored challenge waits for its consume
	// when the request does not say.
	ChallengeTTL time.Duration

	// Issuer is the gateway's issuer URL, echoed in the discovery
	// document.
	Issuer string

	// TokenTTL is the longest lifetime of a token the gateway mints,
	// used to size revocation entries when the caller does not know the
	// token's expiry.
	TokenTTL time.Duration

	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock

	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Pipeline == nil {
		return trace.BadParameter("missing parameter Pipeline")
	}
	if c.Publisher == nil {
		return trace.BadParameter("missing parameter Publisher")
	}
	if c.Keys == nil {
		return trace.BadParameter("missing parameter Keys")
	}
	if c.Revocations == nil {
		return trace.BadParameter("missing parameter Revocations")
	}
	if c.Configs == nil {
		return trace.BadParameter("missing parameter Configs")
	}
	if c.Roles == nil {
		return trace.BadParameter("missing parameter Roles")
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing parameter Issuer")
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = defaults.AccessTokenTTL
	}
	if c.ChallengeTTL == 0 {
		c.ChallengeTTL = defaults.PKCEChallengeTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentWeb)
	}
	return nil
}

// Handler routes the gateway's HTTP endpoints.
type Handler struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewHandler returns a handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}

	// Verification surface consumed by downstream services.
	h.GET(aussie.JWKSPath, httplib.MakeHandler(h.getKeySet))
	h.GET(aussie.OpenIDConfigurationPath, httplib.MakeHandler(h.openidConfiguration))

	// Per request token exchange, driven by the fronting proxy.
	h.POST("/v1/gateway/check", h.checkToken)

	// Revocation admin.
	h.POST("/v1/revocations/tokens", httplib.MakeHandler(h.revokeToken))
	h.POST("/v1/revocations/tokens/raw", httplib.MakeHandler(h.revokeTokenRaw))
	h.GET("/v1/revocations/tokens", httplib.MakeHandler(h.listTokenRevocations))
	h.GET("/v1/revocations/tokens/:jti", httplib.MakeHandler(h.tokenRevocationStatus))
	h.POST("/v1/revocations/users", httplib.MakeHandler(h.revokeUser))
	h.GET("/v1/revocations/users", httplib.MakeHandler(h.listUserRevocations))
	h.POST("/v1/revocations/filter/rebuild", httplib.MakeHandler(h.rebuildRevocationFilter))

	// Translation config admin.
	h.POST("/v1/configs", httplib.MakeHandler(h.createConfig))
	h.GET("/v1/configs", httplib.MakeHandler(h.listConfigs))
	h.GET("/v1/configs/:id", httplib.MakeHandler(h.getConfig))
	h.DELETE("/v1/configs/:id", httplib.MakeHandler(h.deleteConfig))
	h.POST("/v1/configs/:id/activate", httplib.MakeHandler(h.activateConfig))

	// Role admin.
	h.GET("/v1/roles", httplib.MakeHandler(h.listRoles))
	h.PUT("/v1/roles/:id", httplib.MakeHandler(h.upsertRole))
	h.GET("/v1/roles/:id", httplib.MakeHandler(h.getRole))
	h.DELETE("/v1/roles/:id", httplib.MakeHandler(h.deleteRole))
	h.POST("/v1/roles/expand", httplib.MakeHandler(h.expandRoles))

	// Signing key admin.
	h.GET("/v1/keys", httplib.MakeHandler(h.listKeys))
	h.POST("/v1/keys/rotate", httplib.MakeHandler(h.rotateKeys))

	// One shot challenge bindings for the authorization flow in front
	// of the gateway.
	h.POST("/v1/pkce/challenges", httplib.MakeHandler(h.storeChallenge))
	h.POST("/v1/pkce/challenges/consume", httplib.MakeHandler(h.consumeChallenge))

	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	h.GET("/healthz", httplib.MakeHandler(h.health))
	h.GET("/readyz", h.readiness)

	return h, nil
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) (any, error) {
	httplib.SetNoCacheHeaders(w.Header())
	return struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}{"ok", aussie.Version}, nil
}

// readiness reports whether the gateway can mint tokens. Orchestration
// gates traffic on this, /healthz only says the process is up.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	httplib.SetNoCacheHeaders(w.Header())
	if h.cfg.TokenIssuer != nil && !h.cfg.TokenIssuer.Available(r.Context()) {
		httplib.ReplyJSON(w, http.StatusServiceUnavailable, message("no usable signing key"))
		return
	}
	httplib.ReplyJSON(w, http.StatusOK, ok())
}

func message(msg string) any {
	return map[string]any{"message": msg}
}

func ok() any {
	return message("ok")
}

// queryLimit returns the limit parameter with the specified name from
// the query string, or the default when absent.
func queryLimit(query url.Values, name string, def int) (int, error) {
	str := query.Get(name)
	if str == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(str)
	if err != nil || limit <= 0 {
		return 0, trace.BadParameter("failed to parse %v as a positive limit: %q", name, str)
	}
	return limit, nil
}
