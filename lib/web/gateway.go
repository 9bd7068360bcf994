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

	"github.com/julienschmidt/httprouter"

	"github.com/aussieco/aussie/lib/gateway"
	"github.com/aussieco/aussie/lib/httplib"
)

// checkResponse is the body of an allowed gateway check.
type checkResponse struct {
	// Token is the bearer token to forward upstream.
	Token string `json:"token"`
	// Degraded reports that Token is the original inbound token because
	// minting failed.
	Degraded bool `json:"degraded,omitempty"`
	// Subject is the authenticated subject.
	Subject string `json:"subject"`
	// Roles and Permissions are the translated grants backing the
	// token.
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// checkDenial is the body of a denied gateway check.
type checkDenial struct {
	// Reason is a client safe denial reason.
	Reason string `json:"reason"`
}

// checkToken runs one request through the token pipeline. This handler
// is not wrapped by MakeHandler, the response status mirrors the
// pipeline decision rather than an error type.
//
// POST /v1/gateway/check
func (h *Handler) checkToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	httplib.SetNoCacheHeaders(w.Header())
	decision := h.cfg.Pipeline.Process(r.Context(), bearerToken(r))
	if !decision.Allow {
		httplib.ReplyJSON(w, decision.Status, checkDenial{Reason: decision.Reason})
		return
	}
	if decision.Degraded {
		w.Header().Set(gateway.DegradedHeader, gateway.DegradedHeaderValue)
	}
	resp := checkResponse{
		Token:    decision.Token,
		Degraded: decision.Degraded,
	}
	if decision.Identity != nil {
		resp.Subject = decision.Identity.Subject
	}
	if decision.Translated != nil {
		resp.Roles = decision.Translated.Roles
		resp.Permissions = decision.Translated.Permissions
	}
	httplib.ReplyJSON(w, http.StatusOK, resp)
}

// bearerToken returns the bearer token of the Authorization header,
// empty when the header is absent or carries another scheme.
func bearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
