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

// Package roles stores named role records and expands role names into
// permission sets at validation time. Roles complement the inline
// roleToPermissions mapping of a translation schema: they can be
// managed one by one without shipping a new schema version.
package roles

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/backend"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

const rolesPrefix = "roles"

func roleKey(id string) backend.Key {
	return backend.NewKey(rolesPrefix, id)
}

// Role maps a coarse claim value to a permission set.
type Role struct {
	// ID is the role name, matched against translated claim values.
	ID string `json:"id"`
	// DisplayName is a human friendly name for admin surfaces.
	DisplayName string `json:"displayName,omitempty"`
	// Description says what the role is for.
	Description string `json:"description,omitempty"`
	// Permissions granted by the role.
	Permissions []string `json:"permissions,omitempty"`
	// CreatedAt is when the role was first written.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the role was last written.
	UpdatedAt time.Time `json:"updatedAt"`

	revision string
}

// CheckAndSetDefaults validates the role.
func (r *Role) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("missing role id")
	}
	for _, perm := range r.Permissions {
		if perm == "" {
			return trace.BadParameter("role %q: empty permission", r.ID)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *Role) Clone() *Role {
	out := *r
	out.Permissions = slices.Clone(r.Permissions)
	return &out
}

// Revision returns the storage revision of the record.
func (r *Role) Revision() string {
	return r.revision
}

// ServiceConfig configures the role service.
type ServiceConfig struct {
	// Backend persists the role records.
	Backend backend.Backend
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.Component(aussie.ComponentTranslate, "roles"))
	}
	return nil
}

// Service is the role store.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewService creates a role service on the given backend.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}, nil
}

// UpsertRole creates or overwrites a role. CreatedAt survives
// overwrites, UpdatedAt is stamped on every write.
func (s *Service) UpsertRole(ctx context.Context, role *Role) (*Role, error) {
	if role == nil {
		return nil, trace.BadParameter("missing parameter role")
	}
	role = role.Clone()
	now := s.clock.Now().UTC()
	if prior, err := s.GetRole(ctx, role.ID); err == nil {
		role.CreatedAt = prior.CreatedAt
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	} else {
		role.CreatedAt = now
	}
	role.UpdatedAt = now

	value, err := marshalRole(role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	lease, err := s.cfg.Backend.Put(ctx, backend.Item{
		Key:   roleKey(role.ID),
		Value: value,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	role.revision = lease.Revision
	return role, nil
}

// GetRole fetches a role by id.
func (s *Service) GetRole(ctx context.Context, id string) (*Role, error) {
	if id == "" {
		return nil, trace.BadParameter("missing parameter id")
	}
	item, err := s.cfg.Backend.Get(ctx, roleKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("role %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return unmarshalRole(*item)
}

// ListRoles returns every role sorted by id.
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	result, err := s.cfg.Backend.GetRange(ctx, backend.ExactKey(rolesPrefix), backend.RangeEnd(backend.ExactKey(rolesPrefix)), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*Role, 0, len(result.Items))
	for _, item := range result.Items {
		role, err := unmarshalRole(item)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, role)
	}
	slices.SortFunc(out, func(a, b *Role) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// DeleteRole removes a role.
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing parameter id")
	}
	if err := s.cfg.Backend.Delete(ctx, roleKey(id)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("role %q is not found", id)
		}
		return trace.Wrap(err)
	}
	return nil
}

// Expand resolves role names into the union of their permission sets,
// sorted. Names without a stored role contribute nothing, the inline
// schema mappings already covered them or they are plain unmapped
// values.
func (s *Service) Expand(ctx context.Context, names []string) ([]string, error) {
	permissions := make(map[string]struct{})
	for _, name := range names {
		role, err := s.GetRole(ctx, name)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		for _, perm := range role.Permissions {
			permissions[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(permissions))
	for perm := range permissions {
		out = append(out, perm)
	}
	slices.Sort(out)
	return out, nil
}

func marshalRole(role *Role) ([]byte, error) {
	if err := role.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := utils.FastMarshal(role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return value, nil
}

func unmarshalRole(item backend.Item) (*Role, error) {
	var role Role
	if err := utils.FastUnmarshal(item.Value, &role); err != nil {
		return nil, trace.BadParameter("corrupt role record at %s: %v", item.Key, err)
	}
	if err := role.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	role.revision = item.Revision
	return &role, nil
}
