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

// Package httplib implements the JSON handler conventions shared by the
// gateway's HTTP surfaces.
package httplib

import (
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieco/aussie/lib/utils"
)

// MaxRequestSize bounds request bodies read by ReadJSON. Admin payloads
// are translation schemas and revocation requests, none of them large.
const MaxRequestSize = 1 << 20

// HandlerFunc is an HTTP handler that returns its response payload
// instead of writing it. The wrapper takes care of encoding and of
// mapping errors to status codes.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler adapts a HandlerFunc to httprouter. The payload is
// written as JSON, errors are mapped to HTTP status codes by their
// trace type.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			trace.WriteError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON unmarshals the request body into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestSize))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := utils.FastUnmarshal(data, val); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// ReplyJSON writes obj as a JSON response with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, obj any) {
	data, err := utils.FastMarshal(obj)
	if err != nil {
		trace.WriteError(w, trace.Wrap(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// SetNoCacheHeaders forbids caching of the response. Admin responses
// reflect live revocation state, a cached answer is a wrong answer.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
