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

package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/token"
)

// FileConfig is the gateway configuration as stored on disk, usually
// /etc/aussie.yaml. Every section is optional, an empty file runs a
// single instance gateway on the memory backend.
type FileConfig struct {
	// ListenAddr is the address the HTTP surface binds.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// Log configures process logging.
	Log Log `yaml:"log,omitempty"`

	// Storage selects and configures the storage backend.
	Storage backend.Config `yaml:"storage,omitempty"`

	// Redis connects the distributed tiers: the shared translation
	// config cache, the shared revocation store and the revocation
	// event bus.
	Redis *Redis `yaml:"redis,omitempty"`

	// Providers lists the upstream identity providers whose tokens the
	// gateway accepts.
	Providers []token.ProviderConfig `yaml:"providers,omitempty"`

	// KeyRotation drives the signing key lifecycle.
	KeyRotation KeyRotation `yaml:"key_rotation,omitempty"`

	// TokenIssuance shapes the tokens the gateway mints.
	TokenIssuance TokenIssuance `yaml:"token_issuance,omitempty"`

	// JWKSCache tunes caching of upstream verification keys.
	JWKSCache JWKSCache `yaml:"jwks_cache,omitempty"`

	// Translation configures the claim translation config store.
	Translation Translation `yaml:"translation,omitempty"`

	// Revocation configures revocation checking.
	Revocation Revocation `yaml:"revocation,omitempty"`

	// PKCE configures the one shot challenge store.
	PKCE PKCE `yaml:"pkce,omitempty"`
}

// Log is the logging section.
type Log struct {
	// Severity is the minimum level to emit, one of debug, info, warn
	// or error.
	Severity string `yaml:"severity,omitempty"`
	// Format selects text or json output.
	Format string `yaml:"format,omitempty"`
}

// Redis is the connection to the redis deployment shared by all
// gateway instances.
type Redis struct {
	// Address is the host:port of the redis server.
	Address string `yaml:"address,omitempty"`
	// Password authenticates the connection. Optional.
	Password string `yaml:"password,omitempty"`
	// DB selects the logical redis database.
	DB int `yaml:"db,omitempty"`
}

// KeyRotation is the signing key lifecycle section.
type KeyRotation struct {
	// EnabledFlag turns the rotator on or off, on when absent.
	EnabledFlag string `yaml:"enabled,omitempty"`
	// RotationInterval is how long a key signs before its successor
	// takes over.
	RotationInterval Duration `yaml:"rotation_interval,omitempty"`
	// PendingGrace is the head start a successor key gets in the
	// published key set before it starts signing.
	PendingGrace Duration `yaml:"pending_grace,omitempty"`
	// Retention is how long a demoted key keeps verifying.
	Retention Duration `yaml:"retention,omitempty"`
	// ArchiveTTL is how long retired key records are kept for audit.
	ArchiveTTL Duration `yaml:"archive_ttl,omitempty"`
	// MaxAttempts bounds the retries of a single rotation run.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// KeyBits is the modulus size of generated RSA keys.
	KeyBits int `yaml:"key_bits,omitempty"`
}

// TokenIssuance is the minted token section.
type TokenIssuance struct {
	// Issuer is the iss claim of minted tokens, required.
	Issuer string `yaml:"issuer"`
	// TokenTTL is the lifetime of minted tokens.
	TokenTTL Duration `yaml:"token_ttl,omitempty"`
	// Audience is the aud claim of minted tokens. Optional.
	Audience string `yaml:"audience,omitempty"`
	// ForwardedClaims names the inbound claims copied onto minted
	// tokens.
	ForwardedClaims []string `yaml:"forwarded_claims,omitempty"`
	// KeyIDFallbackFlag lets the issuer sign with the most recently
	// demoted key while no key is active, on when absent.
	KeyIDFallbackFlag string `yaml:"key_id_fallback,omitempty"`
	// DegradedModeFlag forwards the original inbound token when
	// minting fails instead of denying, off when absent.
	DegradedModeFlag string `yaml:"degraded_mode,omitempty"`
}

// JWKSCache is the upstream key set cache section.
type JWKSCache struct {
	// RefreshInterval is how long fetched key sets stay fresh.
	RefreshInterval Duration `yaml:"refresh_interval,omitempty"`
	// StaleWhileError is how long a stale key set keeps serving while
	// refreshes fail.
	StaleWhileError Duration `yaml:"stale_while_error,omitempty"`
}

// Translation is the claim translation section.
type Translation struct {
	// ConfigSource is a JSON schema file seeding the config store when
	// the store has no active version yet.
	ConfigSource string `yaml:"config_source,omitempty"`
	// CacheTTL bounds the staleness of the in-process config cache.
	CacheTTL Duration `yaml:"cache_ttl,omitempty"`
	// CacheSize bounds the entry count of the in-process config cache.
	CacheSize int `yaml:"cache_size,omitempty"`
	// SharedCacheFlag enables the redis cache tier, on when absent. It
	// only takes effect when a redis section is configured.
	SharedCacheFlag string `yaml:"shared_cache,omitempty"`
}

// Revocation is the revocation checking section.
type Revocation struct {
	// EnabledFlag turns request time revocation checks on or off, on
	// when absent. The admin endpoints record revocations either way.
	EnabledFlag string `yaml:"enabled,omitempty"`
	// CheckUserRevocationFlag also consults user level revocations on
	// every check, on when absent.
	CheckUserRevocationFlag string `yaml:"check_user_revocation,omitempty"`
	// QueryTimeout bounds a revocation lookup on the request path.
	QueryTimeout Duration `yaml:"query_timeout,omitempty"`
	// Bloom tunes the filter fronting the revocation store.
	Bloom Bloom `yaml:"bloom,omitempty"`
}

// Bloom is the revocation bloom filter subsection.
type Bloom struct {
	// Capacity is the expected number of live revocations.
	Capacity uint `yaml:"capacity,omitempty"`
	// FPRate is the target false positive rate at capacity.
	FPRate float64 `yaml:"fp_rate,omitempty"`
	// RebuildInterval is how often the filter is rebuilt from the
	// store.
	RebuildInterval Duration `yaml:"rebuild_interval,omitempty"`
	// DriftThreshold rebuilds the filter early once this many entries
	// were added since the last rebuild.
	DriftThreshold int `yaml:"drift_threshold,omitempty"`
}

// PKCE is the one shot challenge store section.
type PKCE struct {
	// RequiredFlag makes a broken challenge store fail startup instead
	// of logging and running without one, off when absent.
	RequiredFlag string `yaml:"required,omitempty"`
	// ChallengeTTL is how long a stored challenge waits for its
	// consume.
	ChallengeTTL Duration `yaml:"challenge_ttl,omitempty"`
	// SweepInterval is how often expired challenges are swept out of
	// backends without server side expiry.
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
}

// Duration is a time.Duration read from the config file notation, for
// example "30s", "5m" or "2160h".
type Duration time.Duration

// Duration returns the value as a standard library duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML reads the duration notation.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.BadParameter("expected a duration string like 30s or 24h")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ReadFromFile reads the gateway configuration from a YAML file.
func ReadFromFile(filePath string) (*FileConfig, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.BadParameter("failed to parse %v: %v", filePath, err)
	}
	return fc, nil
}

// ReadFromString reads the configuration from a base64 encoded string,
// the form it takes in the AUSSIE_CONFIG environment variable.
func ReadFromString(configString string) (*FileConfig, error) {
	data, err := base64.StdEncoding.DecodeString(configString)
	if err != nil {
		return nil, trace.BadParameter("configuration string is not base64 encoded")
	}
	fc, err := ReadConfig(bytes.NewReader(data))
	return fc, trace.Wrap(err)
}

// ReadConfig parses the YAML configuration from the reader. Unknown
// option names are rejected rather than ignored, a typo must not
// silently run defaults.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		return nil, trace.BadParameter("%v", err)
	}
	return &fc, nil
}

// Sample returns a minimal configuration a new deployment can start
// from.
func Sample() *FileConfig {
	return &FileConfig{
		ListenAddr: defaults.ListenAddr,
		Log:        Log{Severity: "info", Format: "text"},
		Storage:    backend.Config{Type: defaults.BackendType},
		Providers: []token.ProviderConfig{{
			Name:      "example",
			Issuer:    "https://idp.example.com",
			JWKSURL:   "https://idp.example.com/.well-known/jwks.json",
			Audiences: []string{"api://gateway"},
		}},
		TokenIssuance: TokenIssuance{
			Issuer:          "https://gateway.example.com",
			TokenTTL:        Duration(defaults.AccessTokenTTL),
			ForwardedClaims: []string{"email"},
		},
	}
}
