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

// Package keystore manages the signing keys the gateway uses to mint
// downstream tokens. Every key moves through a fixed lifecycle:
//
//	pending -> active -> deprecated -> retired
//
// A pending key is published in the JWKS ahead of activation so
// downstream caches can pick it up, an active key signs new tokens, a
// deprecated key only validates tokens signed before rotation, and a
// retired key is kept around briefly for audit before deletion.
package keystore

import (
	"crypto/rsa"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/utils"
)

// Status is the lifecycle state of a signing key.
type Status string

const (
	// StatusPending marks a key that is published but not yet signing.
	StatusPending Status = "pending"
	// StatusActive marks the key signing new tokens. At most one key
	// is active at a time.
	StatusActive Status = "active"
	// StatusDeprecated marks a key that no longer signs but still
	// validates previously issued tokens.
	StatusDeprecated Status = "deprecated"
	// StatusRetired marks a key that is out of service and awaiting
	// deletion.
	StatusRetired Status = "retired"
)

// Published reports whether keys in this status appear in the JWKS.
func (s Status) Published() bool {
	switch s {
	case StatusPending, StatusActive, StatusDeprecated:
		return true
	}
	return false
}

// CanSign reports whether keys in this status may sign new tokens.
func (s Status) CanSign() bool {
	return s == StatusActive
}

// CanVerify reports whether keys in this status still validate
// previously issued tokens.
func (s Status) CanVerify() bool {
	return s == StatusActive || s == StatusDeprecated
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusDeprecated, StatusRetired:
		return true
	}
	return false
}

// legalTransitions lists the allowed lifecycle moves. Keys only ever
// move forward.
var legalTransitions = map[Status]Status{
	StatusPending:    StatusActive,
	StatusActive:     StatusDeprecated,
	StatusDeprecated: StatusRetired,
}

// SigningKey is a stored signing key record. The private key material
// never leaves this package except through Signer, and is excluded from
// log output via LogValue.
type SigningKey struct {
	// KID is the key identifier carried in token headers and the JWKS.
	KID string `json:"kid"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// PublicKeyPEM is the PKIX encoded RSA public key.
	PublicKeyPEM []byte `json:"public_key_pem"`
	// PrivateKeyPEM is the PKCS8 encoded RSA private key. Absent on
	// copies handed to verification only consumers.
	PrivateKeyPEM []byte `json:"private_key_pem,omitempty"`
	// CreatedAt is when the key material was generated.
	CreatedAt time.Time `json:"created_at"`
	// ActivatedAt is when the key started signing, zero until then.
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	// DeprecatedAt is when the key stopped signing, zero until then.
	DeprecatedAt time.Time `json:"deprecated_at,omitempty"`
	// RetiredAt is when the key left the published set, zero until then.
	RetiredAt time.Time `json:"retired_at,omitempty"`

	// revision is the backend revision the record was read at, used for
	// conditional writes. Not serialized.
	revision string
}

// GenerateSigningKey generates a fresh pending signing key.
func GenerateSigningKey(clock clockwork.Clock, bits int) (*SigningKey, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if bits == 0 {
		bits = defaults.RSAKeyBits
	}
	private, err := utils.GenerateRSAPrivateKey(bits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keyPEM, err := utils.MarshalPrivateKeyPEM(private)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	publicPEM, err := utils.MarshalPublicKeyPEM(&private.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &SigningKey{
		KID:           uuid.NewString(),
		Status:        StatusPending,
		PublicKeyPEM:  publicPEM,
		PrivateKeyPEM: keyPEM,
		CreatedAt:     clock.Now().UTC(),
	}, nil
}

// CheckAndSetDefaults validates the record. Stored records must carry
// the private key, the public half is derived when absent.
func (k *SigningKey) CheckAndSetDefaults() error {
	if k.KID == "" {
		return trace.BadParameter("missing signing key id")
	}
	if !k.Status.valid() {
		return trace.BadParameter("invalid signing key status %q", k.Status)
	}
	if len(k.PrivateKeyPEM) == 0 {
		return trace.BadParameter("missing signing key material")
	}
	private, err := utils.ParsePrivateKeyPEM(k.PrivateKeyPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(k.PublicKeyPEM) == 0 {
		k.PublicKeyPEM, err = utils.MarshalPublicKeyPEM(&private.PublicKey)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if k.CreatedAt.IsZero() {
		return trace.BadParameter("missing signing key creation time")
	}
	return nil
}

// Signer returns the private key for signing.
func (k *SigningKey) Signer() (*rsa.PrivateKey, error) {
	if len(k.PrivateKeyPEM) == 0 {
		return nil, trace.BadParameter("signing key %v holds no private key material", k.KID)
	}
	private, err := utils.ParsePrivateKeyPEM(k.PrivateKeyPEM)
	return private, trace.Wrap(err)
}

// Public returns the public half of the key.
func (k *SigningKey) Public() (*rsa.PublicKey, error) {
	if len(k.PublicKeyPEM) > 0 {
		public, err := utils.ParsePublicKeyPEM(k.PublicKeyPEM)
		return public, trace.Wrap(err)
	}
	private, err := k.Signer()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &private.PublicKey, nil
}

// Clone returns a deep copy of the record.
func (k *SigningKey) Clone() *SigningKey {
	out := *k
	out.PublicKeyPEM = append([]byte(nil), k.PublicKeyPEM...)
	out.PrivateKeyPEM = append([]byte(nil), k.PrivateKeyPEM...)
	return &out
}

// WithoutPrivateKey returns a copy of the record with the private key
// material stripped, safe to hand to verification only consumers.
func (k *SigningKey) WithoutPrivateKey() *SigningKey {
	out := k.Clone()
	out.PrivateKeyPEM = nil
	return out
}

// Revision returns the backend revision the record was read at, empty
// for records that were never stored.
func (k *SigningKey) Revision() string { return k.revision }

// setStatus applies a lifecycle transition, stamping the transition
// time. Illegal transitions are rejected.
func (k *SigningKey) setStatus(next Status, now time.Time) error {
	if legalTransitions[k.Status] != next {
		return trace.BadParameter("signing key %v cannot transition from %q to %q", k.KID, k.Status, next)
	}
	k.Status = next
	switch next {
	case StatusActive:
		k.ActivatedAt = now.UTC()
	case StatusDeprecated:
		k.DeprecatedAt = now.UTC()
	case StatusRetired:
		k.RetiredAt = now.UTC()
	}
	return nil
}

// LogValue renders the record for logging with the key material
// omitted.
func (k *SigningKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kid", k.KID),
		slog.String("status", string(k.Status)),
	)
}
