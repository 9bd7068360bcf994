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
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieco/aussie/lib/configstore"
	"github.com/aussieco/aussie/lib/httplib"
	"github.com/aussieco/aussie/lib/translate"
)

// activeConfigAlias stands in for the id of whatever version is active.
const activeConfigAlias = "active"

type createConfigRequest struct {
	// Schema is the translation schema to store. Schemas that do not
	// compile are rejected, the active version stays in place.
	Schema *translate.Schema `json:"schema"`
	// CreatedBy records the author.
	CreatedBy string `json:"createdBy,omitempty"`
	// Comment is a free form note.
	Comment string `json:"comment,omitempty"`
	// Activate switches the new version live in the same request.
	Activate bool `json:"activate,omitempty"`
}

// createConfig stores a new translation config version.
//
// POST /v1/configs
func (h *Handler) createConfig(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req createConfigRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := h.cfg.Configs.CreateVersion(r.Context(), configstore.CreateVersionParams{
		Schema:    req.Schema,
		CreatedBy: req.CreatedBy,
		Comment:   req.Comment,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Activate {
		if err := h.cfg.Configs.SetActive(r.Context(), record.ID); err != nil {
			return nil, trace.Wrap(err)
		}
		record.Active = true
	}
	return record, nil
}

// listConfigs lists stored config versions, newest first. With
// ?version=N the listing narrows to the version with that number.
//
// GET /v1/configs
func (h *Handler) listConfigs(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if str := r.URL.Query().Get("version"); str != "" {
		number, err := strconv.Atoi(str)
		if err != nil {
			return nil, trace.BadParameter("failed to parse version as a number: %q", str)
		}
		record, err := h.cfg.Configs.FindByNumber(r.Context(), number)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return struct {
			Items []*configstore.ConfigVersion `json:"items"`
		}{[]*configstore.ConfigVersion{record}}, nil
	}
	records, err := h.cfg.Configs.ListVersions(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Items []*configstore.ConfigVersion `json:"items"`
	}{records}, nil
}

// getConfig returns one config version. The id "active" resolves to the
// version currently in use.
//
// GET /v1/configs/:id
func (h *Handler) getConfig(_ http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := p.ByName("id")
	if id == activeConfigAlias {
		record, err := h.cfg.Configs.GetActive(r.Context())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return record, nil
	}
	record, err := h.cfg.Configs.GetVersion(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// activateConfig makes a stored version the active one.
//
// POST /v1/configs/:id/activate
func (h *Handler) activateConfig(_ http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Configs.SetActive(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// deleteConfig deletes a stored version. The active version cannot be
// deleted.
//
// DELETE /v1/configs/:id
func (h *Handler) deleteConfig(_ http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Configs.DeleteVersion(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}
