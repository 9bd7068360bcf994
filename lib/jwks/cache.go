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
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// maxKeySetSize bounds the size of an upstream JWKS response.
const maxKeySetSize = 1 << 20

var (
	refreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: utils.MetricsNamespace,
		Name:      "jwks_refreshes_total",
		Help:      "Number of upstream JWKS refreshes by trigger",
	}, []string{"trigger"})
	refreshFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: utils.MetricsNamespace,
		Name:      "jwks_refresh_failures_total",
		Help:      "Number of failed upstream JWKS refreshes",
	})
)

// CacheConfig configures an upstream key set cache.
type CacheConfig struct {
	// URL is the upstream JWKS endpoint.
	URL string
	// Client is the HTTP client used for fetches.
	Client *http.Client
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger

	// RefreshInterval is how long a fetched key set counts as fresh when
	// the upstream response carries no cache directives.
	RefreshInterval time.Duration
	// StaleWhileError is how far past freshness a stale set keeps
	// serving lookups while refreshes fail.
	StaleWhileError time.Duration
	// ForcedRefreshInterval rate limits refreshes triggered by unknown
	// key ids, so a flood of bad tokens cannot hammer the upstream.
	ForcedRefreshInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.HTTPRequestTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentJWKS)
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = defaults.JWKSRefreshInterval
	}
	if c.StaleWhileError == 0 {
		c.StaleWhileError = defaults.JWKSStaleWhileError
	}
	if c.ForcedRefreshInterval == 0 {
		c.ForcedRefreshInterval = defaults.JWKSForcedRefreshInterval
	}
	return nil
}

// Cache caches one upstream identity provider's key set. A fetched set
// stays fresh for the server-advertised max-age when the response
// carries one, the configured refresh interval otherwise. Lookups of a
// key id missing from a fresh set trigger a single coalesced refresh,
// since an unknown kid usually means the upstream has rotated. When the
// upstream is down, a stale set keeps serving for a bounded window
// before lookups start failing.
type Cache struct {
	cfg    CacheConfig
	logger *slog.Logger
	clock  clockwork.Clock
	group  singleflight.Group

	mu                sync.RWMutex
	keySet            *jose.JSONWebKeySet
	fetchedAt         time.Time
	freshFor          time.Duration
	lastForcedRefresh time.Time
}

// NewCache creates an upstream key set cache. No fetch happens until
// the first lookup or an explicit Refresh.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(refreshesTotal, refreshFailuresTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{
		cfg:    cfg,
		logger: cfg.Logger.With("jwks_url", cfg.URL),
		clock:  cfg.Clock,
	}, nil
}

// Key returns the upstream public key with the given id.
func (c *Cache) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	if kid == "" {
		return nil, trace.BadParameter("missing parameter kid")
	}
	now := c.clock.Now()

	c.mu.RLock()
	hasSet := c.keySet != nil
	fetchedAt := c.fetchedAt
	freshFor := c.freshFor
	lastForced := c.lastForcedRefresh
	c.mu.RUnlock()

	if hasSet && now.Sub(fetchedAt) < freshFor {
		if key := c.lookup(kid); key != nil {
			return key, nil
		}
		// Unknown kid on a fresh set: the upstream has likely rotated.
		if now.Sub(lastForced) < c.cfg.ForcedRefreshInterval {
			return nil, trace.NotFound("key %q is not in the upstream key set", kid)
		}
		c.mu.Lock()
		c.lastForcedRefresh = now
		c.mu.Unlock()
		if err := c.refresh(ctx, "unknown_kid"); err != nil {
			return nil, trace.ConnectionProblem(err, "key %q is not cached and the upstream key set is unavailable", kid)
		}
		if key := c.lookup(kid); key != nil {
			return key, nil
		}
		return nil, trace.NotFound("key %q is not in the upstream key set", kid)
	}

	// No set yet, or the set aged out.
	if err := c.refresh(ctx, "scheduled"); err != nil {
		if hasSet && now.Sub(fetchedAt) < freshFor+c.cfg.StaleWhileError {
			c.logger.WarnContext(ctx, "Upstream key set refresh failed, serving the stale set.",
				"age", now.Sub(fetchedAt), "error", err)
			if key := c.lookup(kid); key != nil {
				return key, nil
			}
			return nil, trace.NotFound("key %q is not in the cached key set", kid)
		}
		return nil, trace.ConnectionProblem(err, "upstream key set is unavailable")
	}
	if key := c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, trace.NotFound("key %q is not in the upstream key set", kid)
}

// Refresh fetches the upstream key set immediately. Used to warm the
// cache at startup.
func (c *Cache) Refresh(ctx context.Context) error {
	return trace.Wrap(c.refresh(ctx, "warmup"))
}

// refresh fetches and swaps in the upstream key set. Concurrent callers
// share one fetch.
func (c *Cache) refresh(ctx context.Context, trigger string) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		refreshesTotal.WithLabelValues(trigger).Inc()
		keySet, maxAge, err := c.fetch(ctx)
		if err != nil {
			refreshFailuresTotal.Inc()
			return nil, trace.Wrap(err)
		}
		freshFor := c.cfg.RefreshInterval
		if maxAge > 0 {
			// A tiny advertised max-age must not defeat the refresh rate
			// limit.
			freshFor = max(maxAge, c.cfg.ForcedRefreshInterval)
		}
		c.mu.Lock()
		c.keySet = keySet
		c.fetchedAt = c.clock.Now()
		c.freshFor = freshFor
		c.mu.Unlock()
		c.logger.DebugContext(ctx, "Refreshed upstream key set.",
			"keys", len(keySet.Keys), "trigger", trigger, "fresh_for", freshFor)
		return nil, nil
	})
	return trace.Wrap(err)
}

func (c *Cache) fetch(ctx context.Context) (*jose.JSONWebKeySet, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, 0, trace.ConnectionProblem(err, "fetching key set from %v", c.cfg.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, trace.ConnectionProblem(nil, "fetching key set from %v: unexpected status %v", c.cfg.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return nil, 0, trace.ConnectionProblem(err, "reading key set from %v", c.cfg.URL)
	}
	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return nil, 0, trace.ConnectionProblem(err, "invalid key set document from %v", c.cfg.URL)
	}
	return &keySet, parseMaxAge(resp.Header.Get("Cache-Control")), nil
}

// parseMaxAge extracts the max-age directive from a Cache-Control header.
// It returns zero when the header carries none, max-age is the only
// directive the cache honors.
func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		value, ok := strings.CutPrefix(strings.TrimSpace(directive), "max-age=")
		if !ok {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func (c *Cache) lookup(kid string) *jose.JSONWebKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keySet == nil {
		return nil
	}
	if keys := c.keySet.Key(kid); len(keys) > 0 {
		return &keys[0]
	}
	return nil
}
