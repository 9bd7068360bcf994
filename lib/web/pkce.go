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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieco/aussie/lib/httplib"
)

type storeChallengeRequest struct {
	// State is the authorization flow state handle.
	State string `json:"state"`
	// Challenge is the code challenge to bind to the state.
	Challenge string `json:"challenge"`
	// TTLSeconds is how long the binding waits for its consume. Zero
	// uses the configured challenge TTL.
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

// storeChallenge binds a code challenge to an authorization flow state.
//
// POST /v1/pkce/challenges
func (h *Handler) storeChallenge(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if h.cfg.Challenges == nil {
		return nil, trace.NotImplemented("pkce challenge store is disabled")
	}
	var req storeChallengeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ttl := h.cfg.ChallengeTTL
	if req.TTLSeconds != 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if err := h.cfg.Challenges.StoreChallenge(r.Context(), req.State, req.Challenge, ttl); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

type consumeChallengeRequest struct {
	// State is the state handle the challenge was bound to.
	State string `json:"state"`
}

// consumeChallenge retrieves and deletes the challenge bound to a
// state. Only the first consume gets it, a replayed exchange gets 404.
//
// POST /v1/pkce/challenges/consume
func (h *Handler) consumeChallenge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if h.cfg.Challenges == nil {
		return nil, trace.NotImplemented("pkce challenge store is disabled")
	}
	var req consumeChallengeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.State == "" {
		return nil, trace.BadParameter("missing parameter state")
	}
	httplib.SetNoCacheHeaders(w.Header())
	challenge, err := h.cfg.Challenges.ConsumeChallenge(r.Context(), req.State)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Challenge string `json:"challenge"`
	}{challenge}, nil
}
