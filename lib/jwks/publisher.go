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

package jwks

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"

	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/keystore"
)

// PublisherConfig configures the JWKS publisher.
type PublisherConfig struct {
	// KeyStore provides the signing keys to publish.
	KeyStore *keystore.Service
	// TTL is the max-age advertised to downstream caches. Rotation
	// grace periods are validated against this value, so changing it
	// here without adjusting the rotator is a misconfiguration.
	TTL time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PublisherConfig) CheckAndSetDefaults() error {
	if c.KeyStore == nil {
		return trace.BadParameter("missing parameter KeyStore")
	}
	if c.TTL == 0 {
		c.TTL = defaults.JWKSPublicTTL
	}
	return nil
}

// Publisher renders the current published signing keys as a JWKS
// document. Pending keys are included ahead of their activation and
// deprecated keys stay until retirement, so every token the gateway
// has signed within the retention window verifies against the set.
type Publisher struct {
	cfg PublisherConfig
}

// NewPublisher creates a JWKS publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Publisher{cfg: cfg}, nil
}

// KeySet builds the JWKS document from the keystore.
func (p *Publisher) KeySet(ctx context.Context) (*JWKS, error) {
	keys, err := p.cfg.KeyStore.PublishedSigningKeys(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	set := &JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, key := range keys {
		public, err := key.Public()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		jwk, err := MarshalJWK(key.KID, public)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

// CacheControl returns the Cache-Control header value to serve with the
// key set.
func (p *Publisher) CacheControl() string {
	return fmt.Sprintf("public, max-age=%d", int(p.cfg.TTL.Seconds()))
}

// TTL returns the advertised cache lifetime.
func (p *Publisher) TTL() time.Duration {
	return p.cfg.TTL
}
