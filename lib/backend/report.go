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

package backend

import (
	"context"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussieco/aussie/lib/utils"
)

// ReporterConfig configures the reporting wrapper.
type ReporterConfig struct {
	// Backend is the backend to wrap.
	Backend Backend
	// TrackTopRequests additionally counts requests by key prefix.
	TrackTopRequests bool
}

// CheckAndSetDefaults validates the config.
func (r *ReporterConfig) CheckAndSetDefaults() error {
	if r.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	return nil
}

// Reporter wraps a Backend and reports operation counts and latencies
// to prometheus. Expected outcomes of conditional operations, NotFound
// and CompareFailed, do not count as failures.
type Reporter struct {
	cfg ReporterConfig
}

// NewReporter returns a reporting wrapper around cfg.Backend.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(
		requests, watchers,
		writeRequests, writeRequestsFailed, writeLatencies,
		batchWriteRequests, batchWriteRequestsFailed, batchWriteLatencies,
		readRequests, readRequestsFailed, readLatencies,
		batchReadRequests, batchReadRequestsFailed, batchReadLatencies,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reporter{cfg: cfg}, nil
}

// GetName returns the name of the wrapped backend implementation.
func (s *Reporter) GetName() string {
	return s.cfg.Backend.GetName()
}

// Create creates an item if it does not exist.
func (s *Reporter) Create(ctx context.Context, i Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.cfg.Backend.Create(ctx, i)
	writeLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsAlreadyExists(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(i.Key, false)
	return lease, err
}

// Put puts an item into the backend.
func (s *Reporter) Put(ctx context.Context, i Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.cfg.Backend.Put(ctx, i)
	writeLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	writeRequests.Inc()
	if err != nil {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(i.Key, false)
	return lease, err
}

// CompareAndSwap replaces the item when its stored value matches
// expected.
func (s *Reporter) CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.cfg.Backend.CompareAndSwap(ctx, expected, replaceWith)
	writeLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) && !trace.IsCompareFailed(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(expected.Key, false)
	return lease, err
}

// Update updates an existing item.
func (s *Reporter) Update(ctx context.Context, i Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.cfg.Backend.Update(ctx, i)
	writeLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(i.Key, false)
	return lease, err
}

// ConditionalUpdate updates an existing item if its revision matches.
func (s *Reporter) ConditionalUpdate(ctx context.Context, i Item) (*Lease, error) {
	start := s.Clock().Now()
	lease, err := s.cfg.Backend.ConditionalUpdate(ctx, i)
	writeLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) && !trace.IsCompareFailed(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(i.Key, false)
	return lease, err
}

// Get returns a single item or NotFound.
func (s *Reporter) Get(ctx context.Context, key Key) (*Item, error) {
	start := s.Clock().Now()
	item, err := s.cfg.Backend.Get(ctx, key)
	readLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	readRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		readRequestsFailed.Inc()
	}
	s.trackRequest(key, false)
	return item, err
}

// GetRange returns the items in the given key range.
func (s *Reporter) GetRange(ctx context.Context, startKey, endKey Key, limit int) (*GetResult, error) {
	start := s.Clock().Now()
	res, err := s.cfg.Backend.GetRange(ctx, startKey, endKey, limit)
	batchReadLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	batchReadRequests.Inc()
	if err != nil {
		batchReadRequestsFailed.Inc()
	}
	s.trackRequest(startKey, true)
	return res, err
}

// Delete deletes an item by key.
func (s *Reporter) Delete(ctx context.Context, key Key) error {
	start := s.Clock().Now()
	err := s.cfg.Backend.Delete(ctx, key)
	writeLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(key, false)
	return err
}

// ConditionalDelete deletes the item if its revision matches.
func (s *Reporter) ConditionalDelete(ctx context.Context, key Key, revision string) error {
	start := s.Clock().Now()
	err := s.cfg.Backend.ConditionalDelete(ctx, key, revision)
	writeLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) && !trace.IsCompareFailed(err) {
		writeRequestsFailed.Inc()
	}
	s.trackRequest(key, false)
	return err
}

// DeleteRange deletes the items in the given key range.
func (s *Reporter) DeleteRange(ctx context.Context, startKey, endKey Key) error {
	start := s.Clock().Now()
	err := s.cfg.Backend.DeleteRange(ctx, startKey, endKey)
	batchWriteLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	batchWriteRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		batchWriteRequestsFailed.Inc()
	}
	s.trackRequest(startKey, true)
	return err
}

// AtomicWrite applies a batch of conditional actions atomically.
func (s *Reporter) AtomicWrite(ctx context.Context, condacts []ConditionalAction) (string, error) {
	start := s.Clock().Now()
	revision, err := s.cfg.Backend.AtomicWrite(ctx, condacts)
	batchWriteLatencies.Observe(s.Clock().Now().Sub(start).Seconds())
	batchWriteRequests.Inc()
	if err != nil && !trace.IsCompareFailed(err) {
		batchWriteRequestsFailed.Inc()
	}
	if len(condacts) > 0 {
		s.trackRequest(condacts[0].Key, true)
	}
	return revision, err
}

// NewWatcher returns a new event watcher counted in the watcher gauge.
func (s *Reporter) NewWatcher(ctx context.Context, watch Watch) (Watcher, error) {
	w, err := s.cfg.Backend.NewWatcher(ctx, watch)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newReporterWatcher(ctx, w), nil
}

// Clock returns the clock used by the wrapped backend.
func (s *Reporter) Clock() clockwork.Clock {
	return s.cfg.Backend.Clock()
}

// CloseWatchers closes all watchers of the wrapped backend.
func (s *Reporter) CloseWatchers() {
	s.cfg.Backend.CloseWatchers()
}

// Close closes the wrapped backend.
func (s *Reporter) Close() error {
	return s.cfg.Backend.Close()
}

// trackRequest counts a request by key prefix. Only the first two key
// components are kept, otherwise high cardinality names like key ids
// would blow up the label space.
func (s *Reporter) trackRequest(key Key, isRange bool) {
	if !s.cfg.TrackTopRequests || key.IsZero() {
		return
	}
	parts := key.Components()
	if len(parts) > 2 {
		parts = parts[:2]
	}
	rangeLabel := "false"
	if isRange {
		rangeLabel = "true"
	}
	requests.WithLabelValues(strings.Join(parts, string(Separator)), rangeLabel).Inc()
}

// reporterWatcher counts the wrapped watcher in the watcher gauge for
// as long as it lives.
type reporterWatcher struct {
	Watcher
}

func newReporterWatcher(ctx context.Context, w Watcher) *reporterWatcher {
	rw := &reporterWatcher{Watcher: w}
	go rw.watch(ctx)
	return rw
}

func (r *reporterWatcher) watch(ctx context.Context) {
	watchers.Inc()
	defer watchers.Dec()
	select {
	case <-r.Done():
	case <-ctx.Done():
	}
}

var (
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_requests",
			Help:      "Number of backend requests by key prefix",
		},
		[]string{"req", "range"},
	)
	watchers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_watchers_total",
			Help:      "Number of active backend watchers",
		},
	)
	writeRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_write_requests_total",
			Help:      "Number of write requests to the backend",
		},
	)
	writeRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_write_requests_failed_total",
			Help:      "Number of failed write requests to the backend",
		},
	)
	batchWriteRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_batch_write_requests_total",
			Help:      "Number of batch write requests to the backend",
		},
	)
	batchWriteRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_batch_write_requests_failed_total",
			Help:      "Number of failed batch write requests to the backend",
		},
	)
	readRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_read_requests_total",
			Help:      "Number of read requests to the backend",
		},
	)
	readRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_read_requests_failed_total",
			Help:      "Number of failed read requests to the backend",
		},
	)
	batchReadRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_batch_read_requests_total",
			Help:      "Number of batch read requests to the backend",
		},
	)
	batchReadRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_batch_read_requests_failed_total",
			Help:      "Number of failed batch read requests to the backend",
		},
	)
	writeLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_write_seconds",
			Help:      "Latency of backend write operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	batchWriteLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_batch_write_seconds",
			Help:      "Latency of backend batch write operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	readLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_read_seconds",
			Help:      "Latency of backend read operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	batchReadLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: utils.MetricsNamespace,
			Name:      "backend_batch_read_seconds",
			Help:      "Latency of backend batch read operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
)
