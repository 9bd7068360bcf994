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

package configstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/translate"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// Cache keys follow the portable layout so external tooling can inspect
// and flush them.
const (
	cacheKeyPrefix = "config:translation:"
	// activeSentinel caches the id of the active version.
	activeSentinel = cacheKeyPrefix + "__active__"
	// versionListKey caches the full version list.
	versionListKey = cacheKeyPrefix + "__versions__"
)

func recordCacheKey(id string) string {
	return cacheKeyPrefix + id
}

var cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: utils.MetricsNamespace,
	Name:      "config_cache_requests_total",
	Help:      "Translation config cache lookups by tier and result",
}, []string{"tier", "result"})

// TieredConfig configures the tiered translation config store.
type TieredConfig struct {
	// Store is the authoritative primary.
	Store *Store
	// Redis is the shared second tier. Optional, the store degrades to
	// L1 plus primary without it.
	Redis redis.UniversalClient
	// Logger overrides the package logger.
	Logger *slog.Logger

	// CacheTTL bounds the staleness of the in-process tier.
	CacheTTL time.Duration
	// CacheSize bounds the entry count of the in-process tier.
	CacheSize int
	// RedisTTL bounds the staleness of the shared tier.
	RedisTTL time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TieredConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentConfigStore)
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaults.ConfigCacheTTL
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaults.ConfigCacheSize
	}
	if c.RedisTTL == 0 {
		c.RedisTTL = defaults.ConfigRedisTTL
	}
	return nil
}

// Tiered layers an in-process cache and an optional shared redis cache
// in front of the primary store. Reads fall through tier by tier and
// populate the tiers above on the way back, writes go to the primary
// first and then invalidate the caches. Cache failures never fail a
// request, only the primary's errors surface.
//
// Tiered also remembers the last translator that compiled successfully.
// When every tier is down the request path keeps translating with that
// last known good schema instead of going dark.
type Tiered struct {
	cfg    TieredConfig
	logger *slog.Logger
	l1     *lru.LRU[string, []byte]

	mu  sync.RWMutex
	lkg *translate.Translator
	// lkgID is the version record id lkg was compiled from.
	lkgID string
}

// NewTiered creates the tiered store.
func NewTiered(cfg TieredConfig) (*Tiered, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(cacheRequests); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Tiered{
		cfg:    cfg,
		logger: cfg.Logger,
		l1:     lru.NewLRU[string, []byte](cfg.CacheSize, nil, cfg.CacheTTL),
	}, nil
}

// CreateVersion validates and stores a new version, see
// Store.CreateVersion.
func (t *Tiered) CreateVersion(ctx context.Context, params CreateVersionParams) (*ConfigVersion, error) {
	record, err := t.cfg.Store.CreateVersion(ctx, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t.invalidate(ctx, versionListKey)
	return record, nil
}

// GetVersion fetches a version by id through the cache tiers.
func (t *Tiered) GetVersion(ctx context.Context, id string) (*ConfigVersion, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	record, err := t.cachedRecord(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	activeID, err := t.cachedActiveID(ctx)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	record.Active = record.ID == activeID
	return record, nil
}

// GetActive fetches the active version through the cache tiers.
func (t *Tiered) GetActive(ctx context.Context) (*ConfigVersion, error) {
	activeID, err := t.cachedActiveID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := t.cachedRecord(ctx, activeID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("active translation config %q is gone", activeID)
		}
		return nil, trace.Wrap(err)
	}
	record.Active = true
	return record, nil
}

// ListVersions returns every version through the cache tiers, sorted by
// version number.
func (t *Tiered) ListVersions(ctx context.Context) ([]*ConfigVersion, error) {
	activeID, err := t.cachedActiveID(ctx)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	if data, ok := t.cacheGet(ctx, versionListKey); ok {
		var records []*ConfigVersion
		if err := utils.FastUnmarshal(data, &records); err == nil {
			for _, record := range records {
				record.Active = record.ID == activeID
			}
			return records, nil
		}
		// A list that does not parse is dropped and refetched.
		t.invalidate(ctx, versionListKey)
	}

	records, err := t.cfg.Store.ListVersions(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if data, err := utils.FastMarshal(stripActive(records)); err == nil {
		t.cacheSet(ctx, versionListKey, data)
	}
	return records, nil
}

// FindByNumber fetches a version by its number, straight from the
// primary. Lookups by number are admin operations, they want the
// authoritative answer, not a cached one.
func (t *Tiered) FindByNumber(ctx context.Context, version int) (*ConfigVersion, error) {
	record, err := t.cfg.Store.FindByNumber(ctx, version)
	return record, trace.Wrap(err)
}

// SetActive flips the active version and invalidates the sentinel and
// list caches.
func (t *Tiered) SetActive(ctx context.Context, id string) error {
	if err := t.cfg.Store.SetActive(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	t.invalidate(ctx, activeSentinel, versionListKey)
	return nil
}

// DeleteVersion deletes a version and drops it from the caches.
func (t *Tiered) DeleteVersion(ctx context.Context, id string) error {
	if err := t.cfg.Store.DeleteVersion(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	t.invalidate(ctx, recordCacheKey(id), versionListKey)
	return nil
}

// ActiveTranslator returns a compiled translator for the active schema.
// When the store is unreachable the last known good translator is
// served instead, only a store outage with no prior good schema is an
// error.
func (t *Tiered) ActiveTranslator(ctx context.Context) (*translate.Translator, error) {
	record, err := t.GetActive(ctx)
	if err != nil {
		if lkg := t.lastKnownGood(); lkg != nil && !trace.IsNotFound(err) {
			t.logger.WarnContext(ctx, "Translation config store is unavailable, using the last known good schema.", "error", err)
			return lkg, nil
		}
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return nil, trace.ConnectionProblem(err, "translation config unavailable")
	}

	t.mu.RLock()
	cached := t.lkg
	cachedID := t.lkgID
	t.mu.RUnlock()
	if cached != nil && cachedID == record.ID {
		return cached, nil
	}

	translator, err := translate.NewTranslator(record.Schema)
	if err != nil {
		// Stored versions are validated on create, a schema that stopped
		// compiling means the record was tampered with.
		return nil, trace.Wrap(err, "compiling stored translation config %q", record.ID)
	}
	t.mu.Lock()
	t.lkg = translator
	t.lkgID = record.ID
	t.mu.Unlock()
	return translator, nil
}

func (t *Tiered) lastKnownGood() *translate.Translator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lkg
}

// cachedRecord reads one version record through the tiers without
// computing its active flag.
func (t *Tiered) cachedRecord(ctx context.Context, id string) (*ConfigVersion, error) {
	key := recordCacheKey(id)
	if data, ok := t.cacheGet(ctx, key); ok {
		var record ConfigVersion
		if err := utils.FastUnmarshal(data, &record); err == nil {
			return &record, nil
		}
		t.invalidate(ctx, key)
	}
	record, err := t.cfg.Store.getVersionRecord(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if data, err := marshalConfigVersion(record); err == nil {
		t.cacheSet(ctx, key, data)
	}
	return record, nil
}

// cachedActiveID reads the active pointer through the tiers.
func (t *Tiered) cachedActiveID(ctx context.Context) (string, error) {
	if data, ok := t.cacheGet(ctx, activeSentinel); ok {
		return string(data), nil
	}
	id, err := t.cfg.Store.ActiveID(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	t.cacheSet(ctx, activeSentinel, []byte(id))
	return id, nil
}

// cacheGet checks L1 then L2. Cache errors count as misses.
func (t *Tiered) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := t.l1.Get(key); ok {
		cacheRequests.WithLabelValues("l1", "hit").Inc()
		return data, true
	}
	cacheRequests.WithLabelValues("l1", "miss").Inc()
	if t.cfg.Redis == nil {
		return nil, false
	}
	data, err := t.cfg.Redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		cacheRequests.WithLabelValues("l2", "hit").Inc()
		t.l1.Add(key, data)
		return data, true
	case errors.Is(err, redis.Nil):
		cacheRequests.WithLabelValues("l2", "miss").Inc()
	default:
		cacheRequests.WithLabelValues("l2", "error").Inc()
		t.logger.WarnContext(ctx, "Translation config cache read failed, falling through to the primary.",
			"key", key, "error", err)
	}
	return nil, false
}

// cacheSet populates both tiers, best effort.
func (t *Tiered) cacheSet(ctx context.Context, key string, data []byte) {
	t.l1.Add(key, data)
	if t.cfg.Redis == nil {
		return
	}
	if err := t.cfg.Redis.Set(ctx, key, data, t.cfg.RedisTTL).Err(); err != nil {
		t.logger.WarnContext(ctx, "Translation config cache write failed.", "key", key, "error", err)
	}
}

// invalidate drops keys from the shared tier first so another instance
// cannot re-seed this one's L1 with a value already known stale.
func (t *Tiered) invalidate(ctx context.Context, keys ...string) {
	if t.cfg.Redis != nil {
		if err := t.cfg.Redis.Del(ctx, keys...).Err(); err != nil {
			t.logger.WarnContext(ctx, "Translation config cache invalidation failed.", "keys", keys, "error", err)
		}
	}
	for _, key := range keys {
		t.l1.Remove(key)
	}
}

// stripActive clears the computed active flags so cached bytes cannot
// go stale when the pointer moves.
func stripActive(records []*ConfigVersion) []*ConfigVersion {
	out := make([]*ConfigVersion, 0, len(records))
	for _, record := range records {
		clone := record.Clone()
		clone.Active = false
		out = append(out, clone)
	}
	return out
}
