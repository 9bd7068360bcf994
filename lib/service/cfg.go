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

package service

import (
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/backend/memory"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/token"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// Config is the runtime configuration of a gateway process. lib/config
// produces it from the config file and command line, tests build it
// directly.
type Config struct {
	// ListenAddr is the address the HTTP surface binds.
	ListenAddr string

	// Log configures process logging.
	Log LogConfig

	// Storage selects and configures the storage backend.
	Storage backend.Config

	// Backends maps storage type names to their factories. Only
	// backends listed here can be selected by the storage section,
	// importing an implementation is not enough.
	Backends map[string]backend.Factory

	// Redis, when set, connects the distributed tiers: the shared
	// translation config cache, the shared revocation store and the
	// revocation event bus.
	Redis *RedisConfig

	// Providers lists the upstream identity providers whose tokens the
	// gateway accepts. At least one is required.
	Providers []token.ProviderConfig

	// Rotation drives the signing key lifecycle.
	Rotation RotationConfig

	// Issuance shapes the tokens the gateway mints.
	Issuance IssuanceConfig

	// JWKSCache tunes caching of upstream verification keys.
	JWKSCache JWKSCacheConfig

	// Translation configures the claim translation config store.
	Translation TranslationConfig

	// Revocation configures revocation checking.
	Revocation RevocationConfig

	// PKCE configures the one shot challenge store.
	PKCE PKCEConfig

	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock

	// Logger overrides the process logger.
	Logger *slog.Logger
}

// LogConfig is the process logging configuration.
type LogConfig struct {
	// Level is the minimum level emitted.
	Level slog.Level
	// JSON emits machine readable entries instead of text.
	JSON bool
}

// RedisConfig is the connection to the redis deployment shared by all
// gateway instances.
type RedisConfig struct {
	// Address is the host:port of the redis server.
	Address string
	// Password authenticates the connection, empty for none.
	Password string
	// DB selects the logical redis database.
	DB int
}

// RotationConfig drives the signing key lifecycle.
type RotationConfig struct {
	// Enabled runs the rotator. Disabled leaves existing keys as they
	// are, only the very first key of an empty deployment is still
	// created.
	Enabled bool
	// Interval is how long a key signs before its successor takes over.
	Interval time.Duration
	// PendingGrace is the head start a successor key gets in the
	// published key set before it starts signing.
	PendingGrace time.Duration
	// Retention is how long a demoted key keeps verifying.
	Retention time.Duration
	// ArchiveTTL is how long retired key records are kept for audit.
	ArchiveTTL time.Duration
	// MaxAttempts bounds the retries of a single rotation run.
	MaxAttempts int
	// KeyBits is the modulus size of generated RSA keys.
	KeyBits int
}

// IssuanceConfig shapes the tokens the gateway mints.
type IssuanceConfig struct {
	// Issuer is the iss claim of minted tokens. Required.
	Issuer string
	// TokenTTL is the lifetime of minted tokens.
	TokenTTL time.Duration
	// Audience is the aud claim of minted tokens. Optional.
	Audience string
	// ForwardedClaims names the inbound claims copied onto minted
	// tokens.
	ForwardedClaims []string
	// KeyIDFallback lets the issuer sign with the most recently demoted
	// key while no key is active.
	KeyIDFallback bool
	// DegradedMode forwards the original inbound token when minting
	// fails instead of denying the request.
	DegradedMode bool
}

// JWKSCacheConfig tunes caching of upstream verification keys.
type JWKSCacheConfig struct {
	// RefreshInterval is how long fetched key sets stay fresh.
	RefreshInterval time.Duration
	// StaleWhileError is how long a stale key set keeps serving while
	// refreshes fail.
	StaleWhileError time.Duration
}

// TranslationConfig configures the claim translation config store.
type TranslationConfig struct {
	// ConfigFile is a JSON schema file seeding the config store when
	// the store has no active version yet.
	ConfigFile string
	// CacheTTL bounds the staleness of the in-process config cache.
	CacheTTL time.Duration
	// CacheSize bounds the entry count of the in-process config cache.
	CacheSize int
	// SharedCache mirrors active configs through redis so a config
	// activation propagates to the fleet within one cache TTL. Only
	// takes effect when Redis is configured.
	SharedCache bool
}

// RevocationConfig configures revocation checking.
type RevocationConfig struct {
	// Enabled turns request time revocation checks on. The admin
	// endpoints record revocations either way.
	Enabled bool
	// CheckUserRevocation also consults user level revocations on
	// every check.
	CheckUserRevocation bool
	// QueryTimeout bounds a revocation lookup on the request path.
	QueryTimeout time.Duration
	// Bloom tunes the filter fronting the revocation store.
	Bloom BloomConfig
}

// BloomConfig tunes the filter fronting the revocation store.
type BloomConfig struct {
	// Capacity is the expected number of live revocations.
	Capacity uint
	// FalsePositiveRate is the target false positive rate at capacity.
	FalsePositiveRate float64
	// RebuildInterval is how often the filter is rebuilt from the
	// store.
	RebuildInterval time.Duration
	// DriftThreshold rebuilds the filter early once this many entries
	// were added since the last rebuild.
	DriftThreshold int
}

// PKCEConfig configures the one shot challenge store.
type PKCEConfig struct {
	// Required fails startup when the challenge store cannot be built.
	// Otherwise the process logs and runs without one.
	Required bool
	// ChallengeTTL is how long a stored challenge waits for its
	// consume.
	ChallengeTTL time.Duration
	// SweepInterval is how often expired challenges are swept out of
	// backends without server side expiry.
	SweepInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
// Component level defaults, mostly intervals and sizes, are left to
// the components themselves.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.Storage.Type == "" {
		c.Storage.Type = defaults.BackendType
	}
	if c.Backends == nil {
		c.Backends = map[string]backend.Factory{
			memory.BackendName: memory.NewFromParams,
		}
	}
	if len(c.Providers) == 0 {
		return trace.BadParameter("at least one upstream identity provider must be configured")
	}
	if c.Issuance.Issuer == "" {
		return trace.BadParameter("token_issuance.issuer must be set")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentProcess)
	}
	return nil
}

// MakeDefaultConfig builds a runtime config with the recommended
// defaults: rotation on, revocation checks on, key id fallback on.
func MakeDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies the recommended defaults to cfg.
func ApplyDefaults(cfg *Config) {
	cfg.ListenAddr = defaults.ListenAddr
	cfg.Log = LogConfig{Level: slog.LevelInfo}
	cfg.Storage = backend.Config{Type: defaults.BackendType}
	cfg.Rotation.Enabled = true
	cfg.Issuance.KeyIDFallback = true
	cfg.Translation.SharedCache = true
	cfg.Revocation.Enabled = true
	cfg.Revocation.CheckUserRevocation = true
}
