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

// Package service assembles a gateway process: storage, signing keys,
// the token pipeline, the HTTP surface and the background tasks that
// keep them healthy. Every component is constructed exactly once here,
// there is no ambient registration.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/configstore"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/gateway"
	"github.com/aussieco/aussie/lib/jwks"
	"github.com/aussieco/aussie/lib/keystore"
	"github.com/aussieco/aussie/lib/pkce"
	"github.com/aussieco/aussie/lib/revocation"
	"github.com/aussieco/aussie/lib/roles"
	"github.com/aussieco/aussie/lib/token"
	"github.com/aussieco/aussie/lib/translate"
	"github.com/aussieco/aussie/lib/utils"
	"github.com/aussieco/aussie/lib/web"
)

// Process is one assembled gateway instance.
type Process struct {
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	backend     backend.Backend
	redisClient redis.UniversalClient

	keys        *keystore.Service
	rotator     *keystore.Rotator
	publisher   *jwks.Publisher
	validator   *token.Validator
	issuer      *token.Issuer
	configs     *configstore.Tiered
	roleService *roles.Service
	revocations *revocation.Manager
	front       *revocation.Front
	checker     *revocation.Checker
	redisBus    *revocation.RedisBus
	challenges  pkce.Store
	sweeper     *pkce.LocalStore
	pipeline    *gateway.Pipeline
	handler     *web.Handler

	listener net.Listener
	server   *http.Server
}

// New assembles a gateway process from the config. The listener is
// bound and the first signing key is in place when New returns, Run
// starts serving.
func New(ctx context.Context, cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Process{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	registry, err := backend.NewRegistry(cfg.Backends)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bk, err := registry.New(ctx, cfg.Storage)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.backend, err = backend.NewReporter(backend.ReporterConfig{
		Backend:          bk,
		TrackTopRequests: true,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	if cfg.Redis != nil {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, trace.ConnectionProblem(err, "failed to connect to redis at %v", cfg.Redis.Address)
		}
		p.redisClient = client
	}

	if err := p.setupKeys(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.setupTokens(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.setupTranslation(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.setupRevocation(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.setupChallenges(); err != nil {
		if cfg.PKCE.Required {
			return nil, trace.Wrap(err)
		}
		p.logger.WarnContext(ctx, "PKCE challenge store unavailable, continuing without one.", "error", err)
	}

	p.pipeline, err = gateway.NewPipeline(gateway.PipelineConfig{
		Validator:    p.validator,
		Issuer:       p.issuer,
		Configs:      p.configs,
		Roles:        p.roleService,
		Checker:      p.checker,
		DegradedMode: cfg.Issuance.DegradedMode,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.handler, err = web.NewHandler(web.Config{
		Pipeline:     p.pipeline,
		Publisher:    p.publisher,
		Keys:         p.keys,
		Rotator:      p.rotator,
		Revocations:  p.revocations,
		Front:        p.front,
		Configs:      p.configs,
		Roles:        p.roleService,
		Challenges:   p.challenges,
		TokenIssuer:  p.issuer,
		ChallengeTTL: cfg.PKCE.ChallengeTTL,
		Issuer:       cfg.Issuance.Issuer,
		TokenTTL:     cfg.Issuance.TokenTTL,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.listener, err = net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	p.server = &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: defaults.HTTPRequestTimeout,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
	}

	ok = true
	return p, nil
}

// setupKeys builds the signing key store and rotator, and makes sure a
// fresh deployment has a key to sign with before the listener opens.
func (p *Process) setupKeys(ctx context.Context) error {
	keys, err := keystore.NewService(p.backend)
	if err != nil {
		return trace.Wrap(err)
	}
	p.keys = keys

	// The rotator is built even when rotation is disabled, forced
	// rotation through the admin API stays available.
	p.rotator, err = keystore.NewRotator(keystore.RotatorConfig{
		Service:             keys,
		Clock:               p.clock,
		RotationInterval:    p.cfg.Rotation.Interval,
		PendingGrace:        p.cfg.Rotation.PendingGrace,
		DeprecatedRetention: p.cfg.Rotation.Retention,
		RetiredArchiveTTL:   p.cfg.Rotation.ArchiveTTL,
		MaxTokenTTL:         p.cfg.Issuance.TokenTTL,
		KeyBits:             p.cfg.Rotation.KeyBits,
		MaxAttempts:         p.cfg.Rotation.MaxAttempts,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if p.cfg.Rotation.Enabled {
		// One synchronous pass bootstraps an empty keystore and
		// catches up on a rotation that came due while the process was
		// down.
		if err := p.rotator.Reconcile(ctx); err != nil {
			return trace.Wrap(err)
		}
		return nil
	}
	return trace.Wrap(p.bootstrapSigningKey(ctx))
}

// bootstrapSigningKey creates and activates the very first signing key
// of a deployment that runs with rotation disabled. An existing
// keystore is left exactly as it is.
func (p *Process) bootstrapSigningKey(ctx context.Context) error {
	existing, err := p.keys.ListSigningKeys(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(existing) > 0 {
		for _, key := range existing {
			if key.Status == keystore.StatusActive {
				return nil
			}
		}
		p.logger.WarnContext(ctx, "No active signing key and key rotation is disabled, minting will degrade until a key is rotated in.")
		return nil
	}
	bits := p.cfg.Rotation.KeyBits
	if bits == 0 {
		bits = defaults.RSAKeyBits
	}
	key, err := keystore.GenerateSigningKey(p.clock, bits)
	if err != nil {
		return trace.Wrap(err)
	}
	created, err := p.keys.CreateSigningKey(ctx, key)
	if err != nil {
		return trace.Wrap(err)
	}
	promoted, err := p.keys.RotateActiveSigningKey(ctx, created.KID)
	if err != nil {
		return trace.Wrap(err)
	}
	p.logger.InfoContext(ctx, "Activated initial signing key.", "kid", promoted.KID)
	return nil
}

func (p *Process) setupTokens() error {
	publisher, err := jwks.NewPublisher(jwks.PublisherConfig{KeyStore: p.keys})
	if err != nil {
		return trace.Wrap(err)
	}
	p.publisher = publisher

	p.validator, err = token.NewValidator(token.ValidatorConfig{
		Providers:          p.cfg.Providers,
		Clock:              p.clock,
		KeyRefreshInterval: p.cfg.JWKSCache.RefreshInterval,
		KeyStaleWhileError: p.cfg.JWKSCache.StaleWhileError,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.issuer, err = token.NewIssuer(token.IssuerConfig{
		KeyStore:        p.keys,
		Issuer:          p.cfg.Issuance.Issuer,
		Audience:        p.cfg.Issuance.Audience,
		ForwardedClaims: p.cfg.Issuance.ForwardedClaims,
		KeyIDFallback:   p.cfg.Issuance.KeyIDFallback,
		TTL:             p.cfg.Issuance.TokenTTL,
		Clock:           p.clock,
	})
	return trace.Wrap(err)
}

func (p *Process) setupTranslation(ctx context.Context) error {
	store, err := configstore.NewStore(configstore.StoreConfig{
		Backend: p.backend,
		Clock:   p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	tiered := configstore.TieredConfig{
		Store:     store,
		CacheTTL:  p.cfg.Translation.CacheTTL,
		CacheSize: p.cfg.Translation.CacheSize,
	}
	if p.redisClient != nil && p.cfg.Translation.SharedCache {
		tiered.Redis = p.redisClient
	}
	p.configs, err = configstore.NewTiered(tiered)
	if err != nil {
		return trace.Wrap(err)
	}

	p.roleService, err = roles.NewService(roles.ServiceConfig{
		Backend: p.backend,
		Clock:   p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if p.cfg.Translation.ConfigFile != "" {
		if err := p.seedTranslationConfig(ctx, p.cfg.Translation.ConfigFile); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// seedTranslationConfig loads the schema file named by the translation
// config_source option. It only seeds an empty store, once a version is
// active the store is managed through the admin API.
func (p *Process) seedTranslationConfig(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	var schema translate.Schema
	if err := utils.FastUnmarshal(data, &schema); err != nil {
		return trace.BadParameter("failed to parse translation config %v: %v", path, err)
	}

	if _, err := p.configs.GetActive(ctx); err == nil {
		p.logger.DebugContext(ctx, "Translation config store already has an active version, config source ignored.", "path", path)
		return nil
	} else if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}

	version, err := p.configs.CreateVersion(ctx, configstore.CreateVersionParams{
		Schema:    &schema,
		CreatedBy: "config-file",
		Comment:   "seeded from " + path,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := p.configs.SetActive(ctx, version.ID); err != nil {
		return trace.Wrap(err)
	}
	p.logger.InfoContext(ctx, "Seeded translation config.", "path", path, "version", version.Version)
	return nil
}

func (p *Process) setupRevocation() error {
	var store revocation.Store
	var err error
	if p.redisClient != nil {
		store, err = revocation.NewRedisStore(revocation.RedisStoreConfig{
			Client: p.redisClient,
			Clock:  p.clock,
		})
	} else {
		store, err = revocation.NewLocalStore(revocation.LocalStoreConfig{
			Backend: p.backend,
			Clock:   p.clock,
		})
	}
	if err != nil {
		return trace.Wrap(err)
	}

	p.front, err = revocation.NewFront(revocation.FrontConfig{
		Store:             store,
		ExpectedEntries:   p.cfg.Revocation.Bloom.Capacity,
		FalsePositiveRate: p.cfg.Revocation.Bloom.FalsePositiveRate,
		RebuildInterval:   p.cfg.Revocation.Bloom.RebuildInterval,
		DriftThreshold:    p.cfg.Revocation.Bloom.DriftThreshold,
		Clock:             p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var bus revocation.Bus
	if p.redisClient != nil {
		p.redisBus, err = revocation.NewRedisBus(revocation.RedisBusConfig{Client: p.redisClient})
		if err != nil {
			return trace.Wrap(err)
		}
		bus = p.redisBus
	}

	p.revocations, err = revocation.NewManager(revocation.ManagerConfig{
		Store: store,
		Bus:   bus,
		Front: p.front,
		Clock: p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if p.cfg.Revocation.Enabled {
		p.checker, err = revocation.NewChecker(revocation.CheckerConfig{
			Store:            store,
			Front:            p.front,
			DisableUserCheck: !p.cfg.Revocation.CheckUserRevocation,
			Timeout:          p.cfg.Revocation.QueryTimeout,
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (p *Process) setupChallenges() error {
	if p.redisClient != nil {
		store, err := pkce.NewRedisStore(pkce.RedisStoreConfig{
			Client: p.redisClient,
			Clock:  p.clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		p.challenges = store
		return nil
	}
	store, err := pkce.NewLocalStore(pkce.LocalStoreConfig{
		Backend:       p.backend,
		SweepInterval: p.cfg.PKCE.SweepInterval,
		Clock:         p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.challenges = store
	p.sweeper = store
	return nil
}

// Run serves the gateway until the context is canceled, then shuts the
// HTTP server down gracefully and waits for the background tasks to
// stop.
func (p *Process) Run(ctx context.Context) error {
	pm := newProcessManager(ctx)
	defer pm.Close()

	if p.cfg.Rotation.Enabled {
		pm.AddBackgroundTask("key rotator", p.rotator.Run)
	}
	pm.AddBackgroundTask("revocation filter", p.front.Run)
	if p.redisBus != nil {
		pm.AddBackgroundTask("revocation bus", p.redisBus.Run)
	}
	if p.sweeper != nil {
		pm.AddBackgroundTask("challenge sweeper", p.sweeper.Run)
	}
	pm.AddBackgroundTask("http server", func(taskCtx context.Context) error {
		p.logger.InfoContext(taskCtx, "Gateway is listening.", "addr", p.listener.Addr().String())
		if err := p.server.Serve(p.listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	pm.AddBackgroundTask("shutdown watcher", func(taskCtx context.Context) error {
		<-taskCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		return trace.Wrap(p.server.Shutdown(shutdownCtx))
	})

	return trace.Wrap(pm.Wait())
}

// Close releases the process resources. It does not wait for inflight
// requests, Run's graceful shutdown does that.
func (p *Process) Close() error {
	var errs []error
	if p.listener != nil {
		if err := p.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.redisClient != nil {
		if err := p.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.backend != nil {
		if err := p.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}

// Handler returns the process HTTP handler. Tests drive endpoints
// through it without going over the network.
func (p *Process) Handler() http.Handler {
	return p.handler
}

// Addr returns the bound listen address.
func (p *Process) Addr() net.Addr {
	return p.listener.Addr()
}

// processManager supervises the background tasks of one Process, the
// first task to fail tears the whole group down.
type processManager struct {
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func newProcessManager(ctx context.Context) *processManager {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	return &processManager{g: g, ctx: ctx, cancel: cancel}
}

// AddBackgroundTask registers a task expected to run until the group
// context is canceled. Returning before that, even with a nil error,
// counts as a failure and stops the group.
func (pm *processManager) AddBackgroundTask(name string, task func(context.Context) error) {
	pm.g.Go(func() error {
		err := task(pm.ctx)
		if err == nil && pm.ctx.Err() == nil {
			err = trace.Errorf("background task %q exited prematurely", name)
		}
		return trace.Wrap(err)
	})
}

// Wait blocks until every task returned.
func (pm *processManager) Wait() error {
	return trace.Wrap(pm.g.Wait())
}

// Close cancels the group context.
func (pm *processManager) Close() {
	pm.cancel()
}
