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
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
)

// getKeySet serves the verification key set.
//
// GET /auth/.well-known/jwks.json
//
// The response is cacheable for the publisher's public TTL, downstream
// services are expected to hold on to it rather than fetch per request.
func (h *Handler) getKeySet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	keySet, err := h.cfg.Publisher.KeySet(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	w.Header().Set("Cache-Control", h.cfg.Publisher.CacheControl())
	return keySet, nil
}

// openidConfiguration serves the discovery document pointing at the key
// set.
//
// GET /auth/.well-known/openid-configuration
func (h *Handler) openidConfiguration(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (any, error) {
	issuer := strings.TrimRight(h.cfg.Issuer, "/")
	return struct {
		Issuer                           string   `json:"issuer"`
		JWKSURI                          string   `json:"jwks_uri"`
		ClaimsSupported                  []string `json:"claims_supported"`
		IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
		ResponseTypesSupported           []string `json:"response_types_supported"`
		ScopesSupported                  []string `json:"scopes_supported"`
		SubjectTypesSupported            []string `json:"subject_types_supported"`
	}{
		Issuer:                           issuer,
		JWKSURI:                          issuer + aussie.JWKSPath,
		ClaimsSupported:                  []string{"iss", "sub", "aud", "jti", "iat", "exp", aussie.OriginalIssuerClaim},
		IDTokenSigningAlgValuesSupported: []string{defaults.SigningAlgorithm},
		ResponseTypesSupported:           []string{"id_token"},
		ScopesSupported:                  []string{"openid"},
		SubjectTypesSupported:            []string{"public"},
	}, nil
}
