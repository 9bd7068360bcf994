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
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/keystore"
	"github.com/aussieco/aussie/lib/token"
	"github.com/aussieco/aussie/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := MakeDefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Clock = clockwork.NewFakeClockAt(time.Now())
	cfg.Rotation.KeyBits = 2048
	cfg.Providers = []token.ProviderConfig{{
		Name:    "test-idp",
		Issuer:  "https://idp.test",
		JWKSURL: "https://idp.test/.well-known/jwks.json",
	}}
	cfg.Issuance.Issuer = "https://gateway.test"
	return cfg
}

func TestProcessBoot(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, *testConfig(t))
	require.NoError(t, err)

	// A fresh deployment has an active signing key before the listener
	// opens.
	active, err := p.keys.GetActiveSigningKey(ctx)
	require.NoError(t, err)
	require.Equal(t, keystore.StatusActive, active.Status)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, aussie.JWKSPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for the process to shut down")
	}
	require.NoError(t, p.Close())
}

func TestProcessRedisTier(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Redis = &RedisConfig{Address: mr.Addr()}
	p, err := New(ctx, *cfg)
	require.NoError(t, err)

	// With redis configured the distributed tiers take over: the
	// revocation bus runs and challenges expire server side, so there
	// is no local sweeper.
	require.NotNil(t, p.redisClient)
	require.NotNil(t, p.redisBus)
	require.Nil(t, p.sweeper)

	require.NoError(t, p.Close())
}

func TestProcessRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Redis = &RedisConfig{Address: "127.0.0.1:1"}

	_, err := New(ctx, *cfg)
	require.True(t, trace.IsConnectionProblem(err))
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Providers = nil
	err := cfg.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	cfg = testConfig(t)
	cfg.Issuance.Issuer = ""
	err = cfg.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	cfg = testConfig(t)
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.NotNil(t, cfg.Backends)
	require.NotNil(t, cfg.Logger)
}

func TestMakeDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := MakeDefaultConfig()
	require.True(t, cfg.Rotation.Enabled)
	require.True(t, cfg.Issuance.KeyIDFallback)
	require.True(t, cfg.Translation.SharedCache)
	require.True(t, cfg.Revocation.Enabled)
	require.True(t, cfg.Revocation.CheckUserRevocation)
	require.NotEmpty(t, cfg.ListenAddr)
	require.NotEmpty(t, cfg.Storage.Type)
}
