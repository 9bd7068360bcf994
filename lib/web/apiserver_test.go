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
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/backend/memory"
	"github.com/aussieco/aussie/lib/configstore"
	"github.com/aussieco/aussie/lib/gateway"
	"github.com/aussieco/aussie/lib/jwks"
	"github.com/aussieco/aussie/lib/keystore"
	"github.com/aussieco/aussie/lib/pkce"
	"github.com/aussieco/aussie/lib/revocation"
	"github.com/aussieco/aussie/lib/roles"
	"github.com/aussieco/aussie/lib/token"
	"github.com/aussieco/aussie/lib/translate"
	"github.com/aussieco/aussie/lib/utils"
)

const (
	testKeyBits    = 1024
	upstreamIssuer = "https://idp.example.com"
	gatewayIssuer  = "https://gateway.example.com"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type testEnv struct {
	clock   *clockwork.FakeClock
	idpKey  *rsa.PrivateKey
	idpKID  string
	keys    *keystore.Service
	front   *revocation.Front
	manager *revocation.Manager
	configs *configstore.Tiered
	server  *httptest.Server
}

func newTestEnv(t *testing.T, degraded bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	idpKey, err := utils.GenerateRSAPrivateKey(testKeyBits)
	require.NoError(t, err)
	kid := "upstream-kid-1"
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jwk, err := jwks.MarshalJWK(kid, &idpKey.PublicKey)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{jwk}})
	}))
	t.Cleanup(idp.Close)

	validator, err := token.NewValidator(token.ValidatorConfig{
		Providers: []token.ProviderConfig{{
			Name:      "upstream",
			Issuer:    upstreamIssuer,
			JWKSURL:   idp.URL,
			Audiences: []string{"gateway"},
		}},
		Clock: clock,
	})
	require.NoError(t, err)

	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	keys, err := keystore.NewService(bk)
	require.NoError(t, err)
	signing, err := keystore.GenerateSigningKey(clock, testKeyBits)
	require.NoError(t, err)
	_, err = keys.CreateSigningKey(ctx, signing)
	require.NoError(t, err)
	_, err = keys.RotateActiveSigningKey(ctx, signing.KID)
	require.NoError(t, err)

	rotator, err := keystore.NewRotator(keystore.RotatorConfig{
		Service: keys,
		Clock:   clock,
		KeyBits: testKeyBits,
	})
	require.NoError(t, err)

	publisher, err := jwks.NewPublisher(jwks.PublisherConfig{KeyStore: keys})
	require.NoError(t, err)

	issuer, err := token.NewIssuer(token.IssuerConfig{
		KeyStore:        keys,
		Issuer:          gatewayIssuer,
		ForwardedClaims: []string{"email"},
		TTL:             15 * time.Minute,
		Clock:           clock,
	})
	require.NoError(t, err)

	store, err := configstore.NewStore(configstore.StoreConfig{Backend: bk, Clock: clock})
	require.NoError(t, err)
	configs, err := configstore.NewTiered(configstore.TieredConfig{Store: store})
	require.NoError(t, err)
	version, err := configs.CreateVersion(ctx, configstore.CreateVersionParams{
		Schema:    testSchema(),
		CreatedBy: "test",
	})
	require.NoError(t, err)
	require.NoError(t, configs.SetActive(ctx, version.ID))

	roleSvc, err := roles.NewService(roles.ServiceConfig{Backend: bk, Clock: clock})
	require.NoError(t, err)

	local, err := revocation.NewLocalStore(revocation.LocalStoreConfig{Backend: bk, Clock: clock})
	require.NoError(t, err)
	front, err := revocation.NewFront(revocation.FrontConfig{Store: local, Clock: clock})
	require.NoError(t, err)
	checker, err := revocation.NewChecker(revocation.CheckerConfig{Store: local, Front: front})
	require.NoError(t, err)
	manager, err := revocation.NewManager(revocation.ManagerConfig{Store: local, Front: front, Clock: clock})
	require.NoError(t, err)

	pipeline, err := gateway.NewPipeline(gateway.PipelineConfig{
		Validator:    validator,
		Issuer:       issuer,
		Configs:      configs,
		Checker:      checker,
		DegradedMode: degraded,
	})
	require.NoError(t, err)

	challenges, err := pkce.NewLocalStore(pkce.LocalStoreConfig{Backend: bk, Clock: clock})
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Pipeline:    pipeline,
		Publisher:   publisher,
		Keys:        keys,
		Rotator:     rotator,
		Revocations: manager,
		Front:       front,
		Configs:     configs,
		Roles:       roleSvc,
		Challenges:  challenges,
		TokenIssuer: issuer,
		Issuer:      gatewayIssuer,
		TokenTTL:    15 * time.Minute,
		Clock:       clock,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnv{
		clock:   clock,
		idpKey:  idpKey,
		idpKID:  kid,
		keys:    keys,
		front:   front,
		manager: manager,
		configs: configs,
		server:  server,
	}
}

func testSchema() *translate.Schema {
	return &translate.Schema{
		Sources: []translate.Source{
			{Name: "groups", ClaimPath: "groups", Type: translate.SourceArray},
		},
		Transforms: []translate.Transform{{
			Source: "groups",
			Operations: []translate.Operation{
				{Type: translate.OpStripPrefix, Prefix: "APP_"},
			},
		}},
		Mappings: translate.Mappings{
			RoleToPermissions: map[string][]string{"admin": {"svc.read", "svc.write"}},
		},
	}
}

// do issues a request against the test server and returns the response
// with its body already read.
func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

// inboundToken mints an upstream token the stub IDP would have issued.
func (e *testEnv) inboundToken(t *testing.T, custom map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: e.idpKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", e.idpKID))
	require.NoError(t, err)
	now := e.clock.Now()
	builder := jwt.Signed(signer).Claims(jwt.Claims{
		Issuer:   upstreamIssuer,
		Subject:  "user-1",
		Audience: jwt.Audience{"gateway"},
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt: jwt.NewNumericDate(now),
		ID:       "jti-1",
	})
	if custom != nil {
		builder = builder.Claims(custom)
	}
	raw, err := builder.Serialize()
	require.NoError(t, err)
	return raw
}

func TestKeySetEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	resp, body := env.do(t, http.MethodGet, aussie.JWKSPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))

	var keySet jwks.JWKS
	require.NoError(t, json.Unmarshal(body, &keySet))
	require.Len(t, keySet.Keys, 1)
	require.Equal(t, "RSA", keySet.Keys[0].KeyType)
	require.Equal(t, "RS256", keySet.Keys[0].Algorithm)
	require.NotEmpty(t, keySet.Keys[0].KeyID)
}

func TestOpenIDConfiguration(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	resp, body := env.do(t, http.MethodGet, aussie.OpenIDConfigurationPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Equal(t, gatewayIssuer, doc.Issuer)
	require.Equal(t, gatewayIssuer+aussie.JWKSPath, doc.JWKSURI)
}

func TestGatewayCheck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)
	raw := env.inboundToken(t, map[string]any{"groups": []string{"APP_admin"}})

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/gateway/check", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+raw)
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var check checkResponse
	require.NoError(t, json.Unmarshal(body, &check))
	require.NotEmpty(t, check.Token)
	require.NotEqual(t, raw, check.Token)
	require.False(t, check.Degraded)
	require.Equal(t, "user-1", check.Subject)
	require.Equal(t, []string{"admin"}, check.Roles)
	require.Equal(t, []string{"svc.read", "svc.write"}, check.Permissions)
	require.Empty(t, resp.Header.Get(gateway.DegradedHeader))
}

func TestGatewayCheckDenials(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	// No Authorization header at all.
	resp, body := env.do(t, http.MethodPost, "/v1/gateway/check", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var denial checkDenial
	require.NoError(t, json.Unmarshal(body, &denial))
	require.Equal(t, gateway.ReasonNoToken, denial.Reason)

	// Revoked token.
	raw := env.inboundToken(t, map[string]any{"groups": []string{"APP_admin"}})
	revokeResp, _ := env.do(t, http.MethodPost, "/v1/revocations/tokens", revokeTokenRequest{JTI: "jti-1"})
	require.Equal(t, http.StatusOK, revokeResp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/gateway/check", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+raw)
	resp2, err := env.server.Client().Do(req)
	require.NoError(t, err)
	body2, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	require.NoError(t, json.Unmarshal(body2, &denial))
	require.Equal(t, gateway.ReasonRevoked, denial.Reason)
}

func TestGatewayCheckDegraded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, true)
	raw := env.inboundToken(t, map[string]any{"groups": []string{"APP_admin"}})

	// Demote the only signing key so minting fails.
	active, err := env.keys.GetActiveSigningKey(ctx)
	require.NoError(t, err)
	_, err = env.keys.UpdateSigningKeyStatus(ctx, active.KID, keystore.StatusDeprecated)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/gateway/check", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+raw)
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, gateway.DegradedHeaderValue, resp.Header.Get(gateway.DegradedHeader))
	var check checkResponse
	require.NoError(t, json.Unmarshal(body, &check))
	require.True(t, check.Degraded)
	require.Equal(t, raw, check.Token)
}

func TestRevocationAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	// Not revoked yet.
	resp, body := env.do(t, http.MethodGet, "/v1/revocations/tokens/jti-x", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		JTI     string `json:"jti"`
		Revoked bool   `json:"revoked"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	require.False(t, status.Revoked)

	// Revoke by id, then the status flips.
	resp, _ = env.do(t, http.MethodPost, "/v1/revocations/tokens", revokeTokenRequest{JTI: "jti-x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.do(t, http.MethodGet, "/v1/revocations/tokens/jti-x", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &status))
	require.True(t, status.Revoked)

	// Revoke by raw token, the jti is read out of the claims.
	raw := env.inboundToken(t, nil)
	resp, body = env.do(t, http.MethodPost, "/v1/revocations/tokens/raw", revokeTokenRawRequest{Token: raw})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rawResult struct {
		JTI string `json:"jti"`
	}
	require.NoError(t, json.Unmarshal(body, &rawResult))
	require.Equal(t, "jti-1", rawResult.JTI)

	resp, _ = env.do(t, http.MethodPost, "/v1/revocations/tokens/raw", revokeTokenRawRequest{Token: "junk"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Both revocations show up in the listing.
	resp, body = env.do(t, http.MethodGet, "/v1/revocations/tokens", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Items []*revocation.JtiRevocation `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	jtis := make([]string, 0, len(listing.Items))
	for _, item := range listing.Items {
		jtis = append(jtis, item.JTI)
	}
	require.ElementsMatch(t, []string{"jti-x", "jti-1"}, jtis)

	// User revocation and its listing.
	resp, _ = env.do(t, http.MethodPost, "/v1/revocations/users", revokeUserRequest{UserID: "user-7"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.do(t, http.MethodGet, "/v1/revocations/users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users struct {
		Items []*revocation.UserRevocation `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &users))
	require.Len(t, users.Items, 1)
	require.Equal(t, "user-7", users.Items[0].UserID)
}

func TestRevocationFilterRebuild(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	// Before the first successful rebuild the filter vouches for
	// nothing, everything reads as possibly revoked.
	require.True(t, env.front.MightContain("never-revoked"))

	resp, _ := env.do(t, http.MethodPost, "/v1/revocations/filter/rebuild", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, env.front.MightContain("never-revoked"))

	resp, _ = env.do(t, http.MethodPost, "/v1/revocations/tokens", revokeTokenRequest{JTI: "jti-y"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.front.MightContain("jti-y"))
}

func TestConfigAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	// A second version next to the seeded active one.
	schema := testSchema()
	schema.Mappings.RoleToPermissions["auditor"] = []string{"svc.read"}
	resp, body := env.do(t, http.MethodPost, "/v1/configs", createConfigRequest{
		Schema:    schema,
		CreatedBy: "admin@example.com",
		Comment:   "add auditor",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created configstore.ConfigVersion
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, 2, created.Version)
	require.False(t, created.Active)

	resp, body = env.do(t, http.MethodGet, "/v1/configs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Items []*configstore.ConfigVersion `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Items, 2)

	// Version number lookup.
	resp, body = env.do(t, http.MethodGet, "/v1/configs?version=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Items, 1)
	require.Equal(t, created.ID, listing.Items[0].ID)

	// The active alias resolves to version 1 until the switch.
	resp, body = env.do(t, http.MethodGet, "/v1/configs/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active configstore.ConfigVersion
	require.NoError(t, json.Unmarshal(body, &active))
	require.Equal(t, 1, active.Version)

	resp, _ = env.do(t, http.MethodPost, "/v1/configs/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.do(t, http.MethodGet, "/v1/configs/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &active))
	require.Equal(t, 2, active.Version)

	// The active version refuses deletion, the demoted one goes.
	resp, _ = env.do(t, http.MethodDelete, "/v1/configs/"+created.ID, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/v1/configs?version=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Items, 1)
	resp, _ = env.do(t, http.MethodDelete, "/v1/configs/"+listing.Items[0].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/configs/unknown-id", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A schema with an unknown operation never makes it into storage.
	bad := testSchema()
	bad.Transforms[0].Operations = append(bad.Transforms[0].Operations, translate.Operation{Type: "rot13"})
	resp, _ = env.do(t, http.MethodPost, "/v1/configs", createConfigRequest{Schema: bad})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoleAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	resp, body := env.do(t, http.MethodPut, "/v1/roles/admin", roles.Role{
		DisplayName: "Administrator",
		Permissions: []string{"svc.write", "svc.read"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored roles.Role
	require.NoError(t, json.Unmarshal(body, &stored))
	require.Equal(t, "admin", stored.ID)

	resp, _ = env.do(t, http.MethodPut, "/v1/roles/admin", roles.Role{ID: "other"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/v1/roles", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Items []*roles.Role `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Items, 1)

	resp, body = env.do(t, http.MethodPost, "/v1/roles/expand", expandRolesRequest{
		Roles: []string{"admin", "unknown-role"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var expanded struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(body, &expanded))
	require.Equal(t, []string{"svc.read", "svc.write"}, expanded.Permissions)

	resp, _ = env.do(t, http.MethodDelete, "/v1/roles/admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/v1/roles/admin", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKeyAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	resp, body := env.do(t, http.MethodGet, "/v1/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Items []keyInfo `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Items, 1)
	require.Equal(t, keystore.StatusActive, listing.Items[0].Status)
	oldKID := listing.Items[0].KID

	// Key material stays in the keystore.
	require.NotContains(t, string(body), "PRIVATE KEY")
	require.NotContains(t, string(body), "private_key_pem")

	resp, body = env.do(t, http.MethodPost, "/v1/keys/rotate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated keyInfo
	require.NoError(t, json.Unmarshal(body, &rotated))
	require.Equal(t, keystore.StatusActive, rotated.Status)
	require.NotEqual(t, oldKID, rotated.KID)

	resp, body = env.do(t, http.MethodGet, "/v1/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	statuses := make(map[string]keystore.Status, len(listing.Items))
	for _, item := range listing.Items {
		statuses[item.KID] = item.Status
	}
	require.Equal(t, keystore.StatusDeprecated, statuses[oldKID])
	require.Equal(t, keystore.StatusActive, statuses[rotated.KID])

	// The status filter narrows the listing.
	resp, body = env.do(t, http.MethodGet, "/v1/keys?status=deprecated", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Items, 1)
	require.Equal(t, oldKID, listing.Items[0].KID)

	resp, _ = env.do(t, http.MethodGet, "/v1/keys?status=sideways", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, aussie.Version, health.Version)
}

func TestReadiness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, false)

	resp, _ := env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Demoting the only active key leaves the issuer with nothing to
	// sign with.
	active, err := env.keys.GetActiveSigningKey(ctx)
	require.NoError(t, err)
	_, err = env.keys.UpdateSigningKeyStatus(ctx, active.KID, keystore.StatusDeprecated)
	require.NoError(t, err)

	resp, _ = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPKCEChallenges(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	resp, _ := env.do(t, http.MethodPost, "/v1/pkce/challenges", map[string]any{
		"state":     "st-1",
		"challenge": "ch-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Only the first consume gets the challenge back.
	resp, body := env.do(t, http.MethodPost, "/v1/pkce/challenges/consume", map[string]any{"state": "st-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Challenge string `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "ch-1", out.Challenge)

	resp, _ = env.do(t, http.MethodPost, "/v1/pkce/challenges/consume", map[string]any{"state": "st-1"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/pkce/challenges", map[string]any{"state": "st-2"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/pkce/challenges/consume", map[string]any{"state": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
