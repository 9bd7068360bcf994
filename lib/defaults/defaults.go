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

// Package defaults holds the default values used across the gateway when
// the configuration leaves them unset.
package defaults

import "time"

const (
	// ListenAddr is the default address the gateway HTTP surface binds to.
	ListenAddr = "0.0.0.0:3036"

	// RedisAddr is the default address of the redis deployment used for
	// distributed caches, revocations and the event bus.
	RedisAddr = "localhost:6379"

	// BackendType is the storage backend used when none is configured.
	BackendType = "memory"

	// ConfigFilePath is the config file read when --config is not given.
	ConfigFilePath = "/etc/aussie.yaml"

	// ConfigEnvar can hold a base64 encoded config file, it overrides
	// the file on disk.
	ConfigEnvar = "AUSSIE_CONFIG"

	// ConfigFileEnvar points at an alternative config file path, same
	// as --config.
	ConfigFileEnvar = "AUSSIE_CONFIG_FILE"
)

const (
	// SigningAlgorithm is the JWS algorithm for tokens minted by the
	// gateway.
	SigningAlgorithm = "RS256"

	// RSAKeyBits is the modulus size of generated signing keys.
	RSAKeyBits = 2048

	// AccessTokenTTL is the lifetime of tokens minted by the gateway.
	AccessTokenTTL = 15 * time.Minute

	// ClockSkewTolerance is the leeway applied when checking exp and nbf
	// claims on inbound tokens.
	ClockSkewTolerance = 30 * time.Second
)

const (
	// KeyRotationInterval is how long a signing key stays active before a
	// successor is promoted.
	KeyRotationInterval = 90 * 24 * time.Hour

	// KeyPendingGrace is how long a freshly generated key stays in the
	// published-but-unused state before activation, so downstream JWKS
	// caches have a chance to pick it up. It must not be shorter than
	// JWKSPublicTTL.
	KeyPendingGrace = time.Hour

	// KeyDeprecatedRetention is how long old keys keep verifying after
	// they stop signing. It must cover the longest token lifetime issued
	// under the old key.
	KeyDeprecatedRetention = 24 * time.Hour

	// KeyRetiredArchiveTTL is how long retired key records are kept for
	// audit before deletion.
	KeyRetiredArchiveTTL = 7 * 24 * time.Hour

	// KeyRotationCheckInterval is how often the rotator wakes up to
	// reconcile key lifecycle state.
	KeyRotationCheckInterval = time.Minute

	// KeyRotationMaxAttempts bounds the retry budget of a single rotation
	// run before it is reported as failed.
	KeyRotationMaxAttempts = 3

	// KeyRotationRetryStep is the linear backoff step between rotation
	// attempts.
	KeyRotationRetryStep = 30 * time.Second

	// KeyRotationRetryMax caps the backoff between rotation attempts.
	KeyRotationRetryMax = 5 * time.Minute

	// KeyRotationLockTTL is the lease of the distributed lock that keeps
	// gateway replicas from reconciling the key lifecycle concurrently.
	KeyRotationLockTTL = 30 * time.Second
)

const (
	// JWKSPublicTTL is the max-age served with the public JWKS document.
	JWKSPublicTTL = time.Hour

	// JWKSRefreshInterval is how long fetched upstream key sets are
	// considered fresh when the upstream response carries no cache
	// directives.
	JWKSRefreshInterval = time.Hour

	// JWKSStaleWhileError is how long a stale upstream key set keeps
	// serving lookups while refreshes fail.
	JWKSStaleWhileError = 5 * time.Minute

	// JWKSForcedRefreshInterval rate limits refreshes triggered by tokens
	// carrying an unknown key id.
	JWKSForcedRefreshInterval = 30 * time.Second
)

const (
	// ConfigCacheTTL is the lifetime of translation configs in the
	// in-process cache tier.
	ConfigCacheTTL = 5 * time.Minute

	// ConfigCacheSize bounds the number of entries in the in-process
	// translation config cache.
	ConfigCacheSize = 100

	// ConfigRedisTTL is the lifetime of translation configs in the
	// distributed cache tier.
	ConfigRedisTTL = 30 * time.Minute
)

const (
	// RevocationCheckTimeout bounds a revocation lookup on the request
	// path. Lookups that exceed it fail closed.
	RevocationCheckTimeout = 100 * time.Millisecond

	// BloomExpectedEntries sizes the revocation bloom filter.
	BloomExpectedEntries = 100000

	// BloomFalsePositiveRate is the target false positive rate of the
	// revocation bloom filter.
	BloomFalsePositiveRate = 0.01

	// BloomRebuildInterval is how often the bloom filter is rebuilt from
	// the revocation store.
	BloomRebuildInterval = time.Hour

	// BloomDriftThreshold is the number of incremental additions after
	// which the filter is rebuilt ahead of schedule.
	BloomDriftThreshold = 10000
)

const (
	// PKCEChallengeTTL is the lifetime of stored PKCE challenges.
	PKCEChallengeTTL = 10 * time.Minute

	// PKCESweepInterval is how often expired challenges are swept from
	// backends without server side expiry.
	PKCESweepInterval = time.Minute
)

const (
	// HTTPRequestTimeout bounds outbound HTTP requests (JWKS fetches).
	HTTPRequestTimeout = 10 * time.Second

	// ShutdownTimeout is how long the process waits for inflight work
	// during graceful shutdown.
	ShutdownTimeout = 30 * time.Second
)
