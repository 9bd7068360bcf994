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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieco/aussie/lib/httplib"
	"github.com/aussieco/aussie/lib/roles"
)

// upsertRole creates or replaces a role record.
//
// PUT /v1/roles/:id
func (h *Handler) upsertRole(_ http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var role roles.Role
	if err := httplib.ReadJSON(r, &role); err != nil {
		return nil, trace.Wrap(err)
	}
	id := p.ByName("id")
	if role.ID == "" {
		role.ID = id
	}
	if role.ID != id {
		return nil, trace.BadParameter("role id %q does not match the request path", role.ID)
	}
	stored, err := h.cfg.Roles.UpsertRole(r.Context(), &role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return stored, nil
}

// listRoles lists every role record.
//
// GET /v1/roles
func (h *Handler) listRoles(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	records, err := h.cfg.Roles.ListRoles(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Items []*roles.Role `json:"items"`
	}{records}, nil
}

// getRole returns one role record.
//
// GET /v1/roles/:id
func (h *Handler) getRole(_ http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	role, err := h.cfg.Roles.GetRole(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return role, nil
}

// deleteRole deletes a role record.
//
// DELETE /v1/roles/:id
func (h *Handler) deleteRole(_ http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Roles.DeleteRole(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

type expandRolesRequest struct {
	// Roles are the role names to resolve.
	Roles []string `json:"roles"`
}

// expandRoles resolves role names to the union of their permissions,
// useful for previewing what a translation result grants.
//
// POST /v1/roles/expand
func (h *Handler) expandRoles(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req expandRolesRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	permissions, err := h.cfg.Roles.Expand(r.Context(), req.Roles)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Permissions []string `json:"permissions"`
	}{permissions}, nil
}
