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

package revocation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

var (
	bloomRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "revocation_bloom_rebuilds_total",
			Help:      "Number of revocation bloom filter rebuilds by trigger",
		},
		[]string{"trigger"},
	)
	bloomRebuildFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "revocation_bloom_rebuild_failures_total",
			Help:      "Number of failed revocation bloom filter rebuilds",
		},
	)
	bloomEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "revocation_bloom_entries",
			Help:      "Number of revocations loaded at the last bloom filter rebuild",
		},
	)
)

// Rebuild triggers, used as the metric label.
const (
	triggerStartup  = "startup"
	triggerSchedule = "schedule"
	triggerDrift    = "drift"
	triggerAdmin    = "admin"
)

// FrontConfig configures the bloom filter front.
type FrontConfig struct {
	// Store is the authoritative revocation store the filter is rebuilt
	// from.
	Store Store
	// ExpectedEntries sizes the filter.
	ExpectedEntries uint
	// FalsePositiveRate is the target false positive rate at the
	// expected fill.
	FalsePositiveRate float64
	// RebuildInterval is how often the filter is rebuilt from the store.
	RebuildInterval time.Duration
	// DriftThreshold rebuilds the filter early once this many entries
	// were added since the last rebuild. Bloom filters cannot forget, so
	// without rebuilds expired revocations keep inflating the false
	// positive rate.
	DriftThreshold int
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FrontConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.ExpectedEntries == 0 {
		c.ExpectedEntries = defaults.BloomExpectedEntries
	}
	if c.FalsePositiveRate == 0 {
		c.FalsePositiveRate = defaults.BloomFalsePositiveRate
	}
	if c.FalsePositiveRate < 0 || c.FalsePositiveRate >= 1 {
		return trace.BadParameter("false positive rate %v is not in (0, 1)", c.FalsePositiveRate)
	}
	if c.RebuildInterval == 0 {
		c.RebuildInterval = defaults.BloomRebuildInterval
	}
	if c.DriftThreshold == 0 {
		c.DriftThreshold = defaults.BloomDriftThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentRevocation)
	}
	return nil
}

// Front answers "was this token possibly revoked" without touching the
// revocation store. A negative answer is definitive and lets the hot
// path skip the store lookup entirely, a positive answer only means the
// authoritative store must be consulted.
//
// Until the first rebuild succeeds every lookup reports possibly
// revoked, which keeps the authoritative store in the path instead of
// letting an empty filter vouch for revoked tokens.
type Front struct {
	cfg    FrontConfig
	logger *slog.Logger
	clock  clockwork.Clock

	rebuildCh chan struct{}

	mu        sync.RWMutex
	filter    *bloom.BloomFilter
	ready     bool
	additions int
}

// NewFront creates a bloom filter front. The filter starts empty and
// unready, call Rebuild or Run to populate it.
func NewFront(cfg FrontConfig) (*Front, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(bloomRebuilds, bloomRebuildFailures, bloomEntries); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Front{
		cfg:       cfg,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		rebuildCh: make(chan struct{}, 1),
		filter:    bloom.NewWithEstimates(cfg.ExpectedEntries, cfg.FalsePositiveRate),
	}, nil
}

// MightContain reports whether the token id was possibly revoked. False
// is definitive, true requires a store lookup.
func (f *Front) MightContain(jti string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.ready {
		return true
	}
	return f.filter.TestString(jti)
}

// Add records a freshly revoked token id. Once enough entries pile up
// since the last rebuild an early rebuild is requested.
func (f *Front) Add(jti string) {
	f.mu.Lock()
	f.filter.AddString(jti)
	f.additions++
	drift := f.additions >= f.cfg.DriftThreshold
	f.mu.Unlock()
	if drift {
		select {
		case f.rebuildCh <- struct{}{}:
		default:
		}
	}
}

// Rebuild replaces the filter with one freshly loaded from the
// revocation store.
func (f *Front) Rebuild(ctx context.Context) error {
	return f.rebuild(ctx, triggerAdmin)
}

func (f *Front) rebuild(ctx context.Context, trigger string) error {
	fresh := bloom.NewWithEstimates(f.cfg.ExpectedEntries, f.cfg.FalsePositiveRate)
	count := 0
	for entry, err := range f.cfg.Store.StreamJTIs(ctx) {
		if err != nil {
			// A partial load could leave revoked tokens out of the
			// filter, and a miss there skips the authoritative check.
			// Keep the previous filter, it only errs towards extra
			// store lookups.
			bloomRebuildFailures.Inc()
			return trace.Wrap(err, "rebuilding revocation bloom filter")
		}
		fresh.AddString(entry.JTI)
		count++
	}
	f.mu.Lock()
	f.filter = fresh
	f.ready = true
	f.additions = 0
	f.mu.Unlock()
	bloomRebuilds.WithLabelValues(trigger).Inc()
	bloomEntries.Set(float64(count))
	f.logger.InfoContext(ctx, "Rebuilt revocation bloom filter.", "entries", count, "trigger", trigger)
	return nil
}

// Run keeps the filter fresh until the context is canceled: one rebuild
// at startup, then periodic rebuilds plus early ones requested by Add.
func (f *Front) Run(ctx context.Context) error {
	if err := f.rebuild(ctx, triggerStartup); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		f.logger.WarnContext(ctx, "Initial bloom filter rebuild failed, all lookups hit the revocation store until a rebuild succeeds.", "error", err)
	}
	ticker := f.clock.NewTicker(f.cfg.RebuildInterval)
	defer ticker.Stop()
	for {
		trigger := triggerSchedule
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		case <-f.rebuildCh:
			trigger = triggerDrift
		}
		if err := f.rebuild(ctx, trigger); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.WarnContext(ctx, "Bloom filter rebuild failed, keeping the previous filter.", "error", err)
		}
	}
}
