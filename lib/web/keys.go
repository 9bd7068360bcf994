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
	"github.com/aussieco/aussie/lib/keystore"
)

// keyInfo is the public view of a signing key record. Private key
// material never leaves the keystore.
type keyInfo struct {
	KID          string          `json:"kid"`
	Status       keystore.Status `json:"status"`
	PublicKeyPEM string          `json:"public_key_pem,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ActivatedAt  time.Time       `json:"activated_at,omitempty"`
	DeprecatedAt time.Time       `json:"deprecated_at,omitempty"`
	RetiredAt    time.Time       `json:"retired_at,omitempty"`
}

func publicKeyInfo(key *keystore.SigningKey) keyInfo {
	key = key.WithoutPrivateKey()
	return keyInfo{
		KID:          key.KID,
		Status:       key.Status,
		PublicKeyPEM: string(key.PublicKeyPEM),
		CreatedAt:    key.CreatedAt,
		ActivatedAt:  key.ActivatedAt,
		DeprecatedAt: key.DeprecatedAt,
		RetiredAt:    key.RetiredAt,
	}
}

// listKeys lists signing key records without their key material. The
// optional status query narrows the listing to one lifecycle state.
//
// GET /v1/keys
// GET /v1/keys?status=deprecated
func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	httplib.SetNoCacheHeaders(w.Header())
	var keys []*keystore.SigningKey
	var err error
	if status := r.URL.Query().Get("status"); status != "" {
		keys, err = h.cfg.Keys.SigningKeysByStatus(r.Context(), keystore.Status(status))
	} else {
		keys, err = h.cfg.Keys.ListSigningKeys(r.Context())
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items := make([]keyInfo, 0, len(keys))
	for _, key := range keys {
		items = append(items, publicKeyInfo(key))
	}
	return struct {
		Items []keyInfo `json:"items"`
	}{items}, nil
}

// rotateKeys forces a rotation ahead of schedule and returns the new
// active key.
//
// POST /v1/keys/rotate
func (h *Handler) rotateKeys(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if h.cfg.Rotator == nil {
		return nil, trace.NotImplemented("key rotation is disabled")
	}
	key, err := h.cfg.Rotator.ForceRotate(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return publicKeyInfo(key), nil
}
