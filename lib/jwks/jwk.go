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

// Package jwks publishes the gateway's signing keys as a JSON Web Key
// Set and caches the key sets of upstream identity providers.
package jwks

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"

	"github.com/gravitational/trace"

	"github.com/aussieco/aussie/lib/defaults"
)

// JWK is a single RSA public key in JWK wire format.
type JWK struct {
	// KeyType is the key family, always "RSA" here.
	KeyType string `json:"kty"`
	// Algorithm is the JWS algorithm the key is used with.
	Algorithm string `json:"alg"`
	// Use is the intended use, always "sig" here.
	Use string `json:"use"`
	// KeyID ties tokens to this key via the kid header.
	KeyID string `json:"kid"`
	// N is the unpadded base64url modulus.
	N string `json:"n"`
	// E is the unpadded base64url public exponent.
	E string `json:"e"`
}

// JWKS is the key set document served at the well-known endpoint.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Find returns the key with the given id.
func (s *JWKS) Find(kid string) (JWK, bool) {
	for _, key := range s.Keys {
		if key.KeyID == kid {
			return key, true
		}
	}
	return JWK{}, false
}

// MarshalJWK converts an RSA public key to JWK wire format.
func MarshalJWK(kid string, public *rsa.PublicKey) (JWK, error) {
	if kid == "" {
		return JWK{}, trace.BadParameter("missing parameter kid")
	}
	if public == nil {
		return JWK{}, trace.BadParameter("missing parameter public")
	}
	return JWK{
		KeyType:   "RSA",
		Algorithm: defaults.SigningAlgorithm,
		Use:       "sig",
		KeyID:     kid,
		N:         base64.RawURLEncoding.EncodeToString(public.N.Bytes()),
		E:         base64.RawURLEncoding.EncodeToString(big.NewInt(int64(public.E)).Bytes()),
	}, nil
}

// PublicKey reconstructs the RSA public key from its wire format.
func (j JWK) PublicKey() (*rsa.PublicKey, error) {
	if j.KeyType != "RSA" {
		return nil, trace.BadParameter("unsupported key type %q", j.KeyType)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, trace.BadParameter("invalid key modulus: %v", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, trace.BadParameter("invalid key exponent: %v", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
