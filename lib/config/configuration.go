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

// Package config loads the gateway configuration: the YAML config file
// first, command line flags on top.
package config

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/service"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

var logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentProcess)

// CommandLineFlags are the command line values for `aussie start`. The
// full configuration lives in the config file, flags cover the handful
// of settings worth overriding per invocation.
type CommandLineFlags struct {
	// ConfigFile is the value of --config.
	ConfigFile string
	// ConfigString is a base64 encoded configuration, set by
	// --config-string or the AUSSIE_CONFIG environment variable. It
	// overrides the config file.
	ConfigString string
	// ListenAddr is the value of --listen-addr.
	ListenAddr string
	// Debug is the value of --debug.
	Debug bool
}

// ReadConfigFile reads /etc/aussie.yaml or whatever was passed via
// --config. A missing default path quietly runs defaults, a missing
// explicit path is an error.
func ReadConfigFile(cliConfigPath string) (*FileConfig, error) {
	configFilePath := defaults.ConfigFilePath
	if cliConfigPath != "" {
		configFilePath = cliConfigPath
		if !utils.FileExists(configFilePath) {
			return nil, trace.NotFound("file %v is not found", configFilePath)
		}
	}
	if !utils.FileExists(configFilePath) {
		logger.InfoContext(context.Background(), "Not using a config file.")
		return nil, nil
	}
	logger.DebugContext(context.Background(), "Reading config file.", "path", configFilePath)
	return ReadFromFile(configFilePath)
}

// ApplyFileConfig merges the values set in the config file into the
// runtime config on top of its defaults.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	// No config file, run on defaults.
	if fc == nil {
		return nil
	}

	applyString(fc.ListenAddr, &cfg.ListenAddr)
	if err := applyLogConfig(fc.Log, cfg); err != nil {
		return trace.Wrap(err)
	}
	if fc.Storage.Type != "" {
		cfg.Storage = fc.Storage
	}
	if fc.Redis != nil {
		cfg.Redis = &service.RedisConfig{
			Address:  fc.Redis.Address,
			Password: fc.Redis.Password,
			DB:       fc.Redis.DB,
		}
		if cfg.Redis.Address == "" {
			cfg.Redis.Address = defaults.RedisAddr
		}
	}
	if len(fc.Providers) > 0 {
		cfg.Providers = fc.Providers
	}
	if err := applyKeyRotationConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	if err := applyTokenIssuanceConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	applyJWKSCacheConfig(fc, cfg)
	if err := applyTranslationConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	if err := applyRevocationConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	if err := applyPKCEConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func applyLogConfig(l Log, cfg *service.Config) error {
	if l.Severity != "" {
		level, err := utils.ParseLogLevel(l.Severity)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Log.Level = level
	}
	switch strings.ToLower(l.Format) {
	case "":
	case "text":
		cfg.Log.JSON = false
	case "json":
		cfg.Log.JSON = true
	default:
		return trace.BadParameter("unsupported log format %q, use text or json", l.Format)
	}
	return nil
}

func applyKeyRotationConfig(fc *FileConfig, cfg *service.Config) error {
	enabled, err := parseFlag(fc.KeyRotation.EnabledFlag, cfg.Rotation.Enabled)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Rotation.Enabled = enabled
	applyDuration(fc.KeyRotation.RotationInterval, &cfg.Rotation.Interval)
	applyDuration(fc.KeyRotation.PendingGrace, &cfg.Rotation.PendingGrace)
	applyDuration(fc.KeyRotation.Retention, &cfg.Rotation.Retention)
	applyDuration(fc.KeyRotation.ArchiveTTL, &cfg.Rotation.ArchiveTTL)
	if fc.KeyRotation.MaxAttempts > 0 {
		cfg.Rotation.MaxAttempts = fc.KeyRotation.MaxAttempts
	}
	if fc.KeyRotation.KeyBits > 0 {
		cfg.Rotation.KeyBits = fc.KeyRotation.KeyBits
	}
	return nil
}

func applyTokenIssuanceConfig(fc *FileConfig, cfg *service.Config) error {
	applyString(fc.TokenIssuance.Issuer, &cfg.Issuance.Issuer)
	applyDuration(fc.TokenIssuance.TokenTTL, &cfg.Issuance.TokenTTL)
	applyString(fc.TokenIssuance.Audience, &cfg.Issuance.Audience)
	if len(fc.TokenIssuance.ForwardedClaims) > 0 {
		cfg.Issuance.ForwardedClaims = fc.TokenIssuance.ForwardedClaims
	}
	fallback, err := parseFlag(fc.TokenIssuance.KeyIDFallbackFlag, cfg.Issuance.KeyIDFallback)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Issuance.KeyIDFallback = fallback
	degraded, err := parseFlag(fc.TokenIssuance.DegradedModeFlag, cfg.Issuance.DegradedMode)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Issuance.DegradedMode = degraded
	return nil
}

func applyJWKSCacheConfig(fc *FileConfig, cfg *service.Config) {
	applyDuration(fc.JWKSCache.RefreshInterval, &cfg.JWKSCache.RefreshInterval)
	applyDuration(fc.JWKSCache.StaleWhileError, &cfg.JWKSCache.StaleWhileError)
}

func applyTranslationConfig(fc *FileConfig, cfg *service.Config) error {
	applyString(fc.Translation.ConfigSource, &cfg.Translation.ConfigFile)
	applyDuration(fc.Translation.CacheTTL, &cfg.Translation.CacheTTL)
	if fc.Translation.CacheSize > 0 {
		cfg.Translation.CacheSize = fc.Translation.CacheSize
	}
	shared, err := parseFlag(fc.Translation.SharedCacheFlag, cfg.Translation.SharedCache)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Translation.SharedCache = shared
	return nil
}

func applyRevocationConfig(fc *FileConfig, cfg *service.Config) error {
	enabled, err := parseFlag(fc.Revocation.EnabledFlag, cfg.Revocation.Enabled)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Revocation.Enabled = enabled
	userCheck, err := parseFlag(fc.Revocation.CheckUserRevocationFlag, cfg.Revocation.CheckUserRevocation)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Revocation.CheckUserRevocation = userCheck
	applyDuration(fc.Revocation.QueryTimeout, &cfg.Revocation.QueryTimeout)
	if fc.Revocation.Bloom.Capacity > 0 {
		cfg.Revocation.Bloom.Capacity = fc.Revocation.Bloom.Capacity
	}
	if fc.Revocation.Bloom.FPRate > 0 {
		cfg.Revocation.Bloom.FalsePositiveRate = fc.Revocation.Bloom.FPRate
	}
	applyDuration(fc.Revocation.Bloom.RebuildInterval, &cfg.Revocation.Bloom.RebuildInterval)
	if fc.Revocation.Bloom.DriftThreshold > 0 {
		cfg.Revocation.Bloom.DriftThreshold = fc.Revocation.Bloom.DriftThreshold
	}
	return nil
}

func applyPKCEConfig(fc *FileConfig, cfg *service.Config) error {
	required, err := parseFlag(fc.PKCE.RequiredFlag, cfg.PKCE.Required)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.PKCE.Required = required
	applyDuration(fc.PKCE.ChallengeTTL, &cfg.PKCE.ChallengeTTL)
	applyDuration(fc.PKCE.SweepInterval, &cfg.PKCE.SweepInterval)
	return nil
}

func applyString(src string, target *string) {
	if src != "" {
		*target = src
	}
}

func applyDuration(src Duration, target *time.Duration) {
	if src != 0 {
		*target = src.Duration()
	}
}

// parseFlag interprets a yes/no config flag, def when the flag is not
// set.
func parseFlag(flag string, def bool) (bool, error) {
	if flag == "" {
		return def, nil
	}
	value, err := utils.ParseBool(flag)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return value, nil
}

// Configure merges the command line flags into the runtime config on
// top of the config file, flags win.
func Configure(clf *CommandLineFlags, cfg *service.Config) error {
	fileConf, err := ReadConfigFile(clf.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	if clf.ConfigString != "" {
		fileConf, err = ReadFromString(clf.ConfigString)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	// --debug overrides the configured severity. With no config file
	// the runtime config is set directly.
	if clf.Debug {
		if fileConf == nil {
			cfg.Log.Level = slog.LevelDebug
		} else {
			fileConf.Log.Severity = "debug"
		}
	}

	if err := ApplyFileConfig(fileConf, cfg); err != nil {
		return trace.Wrap(err)
	}

	if clf.ListenAddr != "" {
		cfg.ListenAddr = clf.ListenAddr
	}
	return nil
}
