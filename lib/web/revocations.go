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

package web

import (
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieco/aussie/lib/httplib"
	"github.com/aussieco/aussie/lib/revocation"
)

type revokeTokenRequest struct {
	// JTI is the id of the token to revoke.
	JTI string `json:"jti"`
	// ExpiresAt is when the token expires on its own. Without it the
	// entry is sized to the longest lived token the gateway mints.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// revokeToken revokes a single token by id.
//
// POST /v1/revocations/tokens
func (h *Handler) revokeToken(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req revokeTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = h.clock.Now().Add(h.cfg.TokenTTL)
	}
	if err := h.cfg.Revocations.RevokeToken(r.Context(), req.JTI, req.ExpiresAt); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

type revokeTokenRawRequest struct {
	// Token is the compact JWT to revoke. The signature is not checked,
	// revoking a token that was never valid is harmless.
	Token string `json:"token"`
}

// revokeTokenRaw revokes a token by pasting the token itself, the jti
// and expiry are read out of its claims.
//
// POST /v1/revocations/tokens/raw
func (h *Handler) revokeTokenRaw(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req revokeTokenRawRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	parsed, err := jwt.ParseSigned(req.Token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, trace.BadParameter("malformed token: %v", err)
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, trace.BadParameter("malformed token claims: %v", err)
	}
	if claims.ID == "" {
		return nil, trace.BadParameter("token carries no jti, revoke the user instead")
	}
	expiresAt := h.clock.Now().Add(h.cfg.TokenTTL)
	if claims.Expiry != nil {
		expiresAt = claims.Expiry.Time()
	}
	if err := h.cfg.Revocations.RevokeToken(r.Context(), claims.ID, expiresAt); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		JTI string `json:"jti"`
	}{claims.ID}, nil
}

type revokeUserRequest struct {
	// UserID is the subject whose tokens are revoked.
	UserID string `json:"userId"`
	// IssuedBefore is the cutoff, tokens issued strictly before it are
	// revoked. Defaults to the time of the request.
	IssuedBefore time.Time `json:"issuedBefore,omitempty"`
	// ExpiresAt is when the entry may be dropped. Defaults to the
	// cutoff plus the longest token lifetime the gateway mints.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// revokeUser revokes every token issued to a user before a cutoff.
// A later request replaces the cutoff, it does not extend it.
//
// POST /v1/revocations/users
func (h *Handler) revokeUser(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req revokeUserRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.IssuedBefore.IsZero() {
		req.IssuedBefore = h.clock.Now()
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.IssuedBefore.Add(h.cfg.TokenTTL)
	}
	if err := h.cfg.Revocations.RevokeUser(r.Context(), req.UserID, req.IssuedBefore, req.ExpiresAt); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// tokenRevocationStatus reports whether a token id is revoked, answered
// from the authoritative store rather than the bloom filter.
//
// GET /v1/revocations/tokens/:jti
func (h *Handler) tokenRevocationStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	httplib.SetNoCacheHeaders(w.Header())
	jti := p.ByName("jti")
	revoked, err := h.cfg.Revocations.Store().IsRevoked(r.Context(), jti)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		JTI     string `json:"jti"`
		Revoked bool   `json:"revoked"`
	}{jti, revoked}, nil
}

// listTokenRevocations lists live token revocations.
//
// GET /v1/revocations/tokens?limit=100
func (h *Handler) listTokenRevocations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	limit, err := queryLimit(r.URL.Query(), "limit", defaultListLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httplib.SetNoCacheHeaders(w.Header())
	items := make([]*revocation.JtiRevocation, 0, defaultListLimit)
	for entry, err := range h.cfg.Revocations.Store().StreamJTIs(r.Context()) {
		if err != nil {
			// A BadParameter from the stream marks one corrupt entry,
			// not a failed scan.
			if trace.IsBadParameter(err) {
				h.logger.WarnContext(r.Context(), "Skipping corrupt revocation entry.", "error", err)
				continue
			}
			return nil, trace.Wrap(err)
		}
		items = append(items, entry)
		if len(items) >= limit {
			break
		}
	}
	return struct {
		Items []*revocation.JtiRevocation `json:"items"`
	}{items}, nil
}

// listUserRevocations lists live user revocations.
//
// GET /v1/revocations/users?limit=100
func (h *Handler) listUserRevocations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	limit, err := queryLimit(r.URL.Query(), "limit", defaultListLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httplib.SetNoCacheHeaders(w.Header())
	items := make([]*revocation.UserRevocation, 0, defaultListLimit)
	for entry, err := range h.cfg.Revocations.Store().StreamUsers(r.Context()) {
		if err != nil {
			if trace.IsBadParameter(err) {
				h.logger.WarnContext(r.Context(), "Skipping corrupt revocation entry.", "error", err)
				continue
			}
			return nil, trace.Wrap(err)
		}
		items = append(items, entry)
		if len(items) >= limit {
			break
		}
	}
	return struct {
		Items []*revocation.UserRevocation `json:"items"`
	}{items}, nil
}

// rebuildRevocationFilter rebuilds the bloom filter from the store.
//
// POST /v1/revocations/filter/rebuild
func (h *Handler) rebuildRevocationFilter(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if h.cfg.Front == nil {
		return nil, trace.NotImplemented("revocation bloom filter is disabled")
	}
	if err := h.cfg.Front.Rebuild(r.Context()); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}
