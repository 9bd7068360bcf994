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

// Package aussie contains constants shared across the token gateway.
package aussie

import "strings"

// Version is the semantic version of the gateway. It is set at build time
// for release builds.
var Version = "0.9.0"

const (
	// ComponentKey is the log field used to identify the component that
	// emitted an entry.
	ComponentKey = "component"

	// ComponentProcess is the top level gateway process.
	ComponentProcess = "process"

	// ComponentBackend is the storage backend layer.
	ComponentBackend = "backend"

	// ComponentKeyStore is the signing key store.
	ComponentKeyStore = "keystore"

	// ComponentRotation is the key lifecycle manager.
	ComponentRotation = "rotation"

	// ComponentJWKS covers JWKS publication and the remote key set cache.
	ComponentJWKS = "jwks"

	// ComponentValidator is the inbound token validator.
	ComponentValidator = "validator"

	// ComponentIssuer is the downstream token issuer.
	ComponentIssuer = "issuer"

	// ComponentTranslate is the claim translation engine.
	ComponentTranslate = "translate"

	// ComponentConfigStore is the tiered translation config store.
	ComponentConfigStore = "configstore"

	// ComponentRevocation covers the revocation store, bloom front and
	// revocation checker.
	ComponentRevocation = "revocation"

	// ComponentBus is the revocation event bus.
	ComponentBus = "bus"

	// ComponentPKCE is the one shot PKCE challenge store.
	ComponentPKCE = "pkce"

	// ComponentGateway is the per request token pipeline.
	ComponentGateway = "gateway"

	// ComponentWeb is the HTTP surface (JWKS, admin, gateway check).
	ComponentWeb = "web"
)

// Component generates a colon separated component name for logging, e.g.
// Component("revocation", "bloom") returns "revocation:bloom".
func Component(components ...string) string {
	return strings.Join(components, ":")
}

const (
	// OriginalIssuerClaim carries the upstream issuer on tokens minted by
	// the gateway.
	OriginalIssuerClaim = "original_iss"

	// JWKSPath is where the gateway publishes its verification keys.
	JWKSPath = "/auth/.well-known/jwks.json"

	// OpenIDConfigurationPath is where the gateway publishes its OIDC
	// discovery document.
	OpenIDConfigurationPath = "/auth/.well-known/openid-configuration"
)
