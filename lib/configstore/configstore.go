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

// Package configstore manages versioned translation schemas. The
// primary store is authoritative, a tiered cache in front of it keeps
// the hot path off the backend.
//
// Schemas are validated when a version is created, a version that made
// it into the store always compiles. Versions are immutable, changing
// translation behavior means creating a new version and activating it.
package configstore

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/translate"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

const (
	configPrefix      = "config"
	translationPrefix = "translation"

	// casAttempts bounds optimistic concurrency retries on writes that
	// race with other writers.
	casAttempts = 3
)

func versionKey(id string) backend.Key {
	return backend.NewKey(configPrefix, translationPrefix, "versions", id)
}

func versionsRangeKey() backend.Key {
	return backend.ExactKey(configPrefix, translationPrefix, "versions")
}

func activePointerKey() backend.Key {
	return backend.NewKey(configPrefix, translationPrefix, "active")
}

func counterKey() backend.Key {
	return backend.NewKey(configPrefix, translationPrefix, "counter")
}

// ConfigVersion is one immutable translation schema version.
type ConfigVersion struct {
	// ID uniquely identifies the version record.
	ID string `json:"id"`
	// Version is the monotonically increasing version number.
	Version int `json:"version"`
	// Schema is the translation schema of this version.
	Schema *translate.Schema `json:"schema"`
	// Active reports whether this version is the one in use. Computed
	// from the active pointer on read, never persisted.
	Active bool `json:"active,omitempty"`
	// CreatedBy records who created the version.
	CreatedBy string `json:"createdBy,omitempty"`
	// CreatedAt is when the version was created.
	CreatedAt time.Time `json:"createdAt"`
	// Comment is a free form note about the version.
	Comment string `json:"comment,omitempty"`

	revision string
}

// Revision returns the storage revision of the record.
func (v *ConfigVersion) Revision() string {
	return v.revision
}

// Clone returns a deep copy.
func (v *ConfigVersion) Clone() *ConfigVersion {
	out := *v
	if v.Schema != nil {
		schema := *v.Schema
		out.Schema = &schema
	}
	return &out
}

type activePointer struct {
	ID string `json:"id"`
}

type versionCounter struct {
	Version int `json:"version"`
}

// StoreConfig configures the primary translation config store.
type StoreConfig struct {
	// Backend persists the version records.
	Backend backend.Backend
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentConfigStore)
	}
	return nil
}

// Store is the authoritative translation config store.
type Store struct {
	cfg    StoreConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewStore creates a store on the given backend.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}, nil
}

// CreateVersionParams are the inputs to CreateVersion.
type CreateVersionParams struct {
	// Schema is the translation schema for the new version.
	Schema *translate.Schema
	// CreatedBy records the author.
	CreatedBy string
	// Comment is a free form note.
	Comment string
}

// CreateVersion validates the schema and stores it under the next
// version number. A schema that does not compile is rejected here, the
// prior active version stays in place.
func (s *Store) CreateVersion(ctx context.Context, params CreateVersionParams) (*ConfigVersion, error) {
	if params.Schema == nil {
		return nil, trace.BadParameter("missing parameter Schema")
	}
	if _, err := translate.NewTranslator(params.Schema); err != nil {
		return nil, trace.Wrap(err)
	}

	record := &ConfigVersion{
		ID:        uuid.NewString(),
		Schema:    params.Schema,
		CreatedBy: params.CreatedBy,
		CreatedAt: s.clock.Now().UTC(),
		Comment:   params.Comment,
	}

	// The version number is handed out by a counter record, claimed
	// with a conditional batch so concurrent creates never share one.
	for attempt := 0; attempt < casAttempts; attempt++ {
		counterCondact := backend.ConditionalAction{
			Key:       counterKey(),
			Condition: backend.NotExists(),
		}
		record.Version = 1
		if item, err := s.cfg.Backend.Get(ctx, counterKey()); err == nil {
			var counter versionCounter
			if err := utils.FastUnmarshal(item.Value, &counter); err != nil {
				return nil, trace.BadParameter("corrupt version counter: %v", err)
			}
			record.Version = counter.Version + 1
			counterCondact.Condition = backend.Revision(item.Revision)
		} else if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}

		counterValue, err := utils.FastMarshal(versionCounter{Version: record.Version})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		recordValue, err := marshalConfigVersion(record)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		counterCondact.Action = backend.Put(backend.Item{Value: counterValue})

		revision, err := s.cfg.Backend.AtomicWrite(ctx, []backend.ConditionalAction{
			counterCondact,
			{
				Key:       versionKey(record.ID),
				Condition: backend.NotExists(),
				Action:    backend.Put(backend.Item{Value: recordValue}),
			},
		})
		if err == nil {
			record.revision = revision
			s.logger.InfoContext(ctx, "Created translation config version.",
				"id", record.ID, "version", record.Version, "created_by", record.CreatedBy)
			return record.Clone(), nil
		}
		if !errors.Is(err, backend.ErrConditionFailed) {
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.CompareFailed("translation config version counter kept changing, try again")
}

// ActiveID returns the id of the active version.
func (s *Store) ActiveID(ctx context.Context) (string, error) {
	item, err := s.cfg.Backend.Get(ctx, activePointerKey())
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("no active translation config")
		}
		return "", trace.Wrap(err)
	}
	var pointer activePointer
	if err := utils.FastUnmarshal(item.Value, &pointer); err != nil {
		return "", trace.BadParameter("corrupt active translation config pointer: %v", err)
	}
	return pointer.ID, nil
}

// GetVersion fetches a version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*ConfigVersion, error) {
	record, err := s.getVersionRecord(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	activeID, err := s.ActiveID(ctx)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	record.Active = record.ID == activeID
	return record, nil
}

// GetActive fetches the active version.
func (s *Store) GetActive(ctx context.Context) (*ConfigVersion, error) {
	id, err := s.ActiveID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := s.getVersionRecord(ctx, id)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("active translation config %q is gone", id)
		}
		return nil, trace.Wrap(err)
	}
	record.Active = true
	return record, nil
}

// ListVersions returns every version sorted by version number.
func (s *Store) ListVersions(ctx context.Context) ([]*ConfigVersion, error) {
	start := versionsRangeKey()
	result, err := s.cfg.Backend.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	activeID, err := s.ActiveID(ctx)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	out := make([]*ConfigVersion, 0, len(result.Items))
	for _, item := range result.Items {
		record, err := unmarshalConfigVersion(item)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		record.Active = record.ID == activeID
		out = append(out, record)
	}
	slices.SortFunc(out, func(a, b *ConfigVersion) int {
		return a.Version - b.Version
	})
	return out, nil
}

// FindByNumber fetches a version by its version number.
func (s *Store) FindByNumber(ctx context.Context, version int) (*ConfigVersion, error) {
	records, err := s.ListVersions(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, record := range records {
		if record.Version == version {
			return record, nil
		}
	}
	return nil, trace.NotFound("translation config version %d is not found", version)
}

// SetActive makes the given version the active one. Idempotent, setting
// the already active version changes nothing.
func (s *Store) SetActive(ctx context.Context, id string) error {
	target, err := s.getVersionRecord(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	value, err := utils.FastMarshal(activePointer{ID: id})
	if err != nil {
		return trace.Wrap(err)
	}
	// The target must still exist when the pointer flips, a concurrent
	// delete aborts the batch.
	_, err = s.cfg.Backend.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       versionKey(id),
			Condition: backend.Revision(target.revision),
			Action:    backend.Nop(),
		},
		{
			Key:       activePointerKey(),
			Condition: backend.Whatever(),
			Action:    backend.Put(backend.Item{Value: value}),
		},
	})
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return trace.CompareFailed("translation config %q changed mid activation, try again", id)
		}
		return trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Activated translation config version.", "id", id, "version", target.Version)
	return nil
}

// DeleteVersion removes a version. The active version cannot be
// deleted, deactivate it by activating another version first.
func (s *Store) DeleteVersion(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing parameter id")
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		pointerCondact := backend.ConditionalAction{
			Key:       activePointerKey(),
			Condition: backend.NotExists(),
			Action:    backend.Nop(),
		}
		if item, err := s.cfg.Backend.Get(ctx, activePointerKey()); err == nil {
			var pointer activePointer
			if err := utils.FastUnmarshal(item.Value, &pointer); err != nil {
				return trace.BadParameter("corrupt active translation config pointer: %v", err)
			}
			if pointer.ID == id {
				return trace.BadParameter("translation config %q is active and cannot be deleted", id)
			}
			pointerCondact.Condition = backend.Revision(item.Revision)
		} else if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}

		_, err := s.cfg.Backend.AtomicWrite(ctx, []backend.ConditionalAction{
			pointerCondact,
			{
				Key:       versionKey(id),
				Condition: backend.Exists(),
				Action:    backend.Delete(),
			},
		})
		if err == nil {
			s.logger.InfoContext(ctx, "Deleted translation config version.", "id", id)
			return nil
		}
		if !errors.Is(err, backend.ErrConditionFailed) {
			return trace.Wrap(err)
		}
		// Either the record is gone or the pointer moved, look again.
		if _, err := s.getVersionRecord(ctx, id); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.CompareFailed("active translation config kept changing, try again")
}

func (s *Store) getVersionRecord(ctx context.Context, id string) (*ConfigVersion, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	item, err := s.cfg.Backend.Get(ctx, versionKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("translation config %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return unmarshalConfigVersion(*item)
}

func marshalConfigVersion(record *ConfigVersion) ([]byte, error) {
	// The active flag is derived from the pointer record, persisting it
	// would let the two drift apart.
	clone := record.Clone()
	clone.Active = false
	value, err := utils.FastMarshal(clone)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return value, nil
}

func unmarshalConfigVersion(item backend.Item) (*ConfigVersion, error) {
	var record ConfigVersion
	if err := utils.FastUnmarshal(item.Value, &record); err != nil {
		return nil, trace.BadParameter("corrupt translation config record at %s: %v", item.Key, err)
	}
	record.revision = item.Revision
	return &record, nil
}
