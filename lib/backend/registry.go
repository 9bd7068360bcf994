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
	"slices"
	"strings"

	"github.com/gravitational/trace"
	"github.com/mitchellh/mapstructure"
)

// Config is the storage section of the gateway configuration. Params are
// passed through to the selected implementation.
type Config struct {
	// Type selects the backend implementation by name.
	Type string `yaml:"type,omitempty"`

	// Params is a generic key/value property bag passed to the backend.
	Params Params `yaml:",inline"`
}

// Params is a flexible backend configuration: a map of key/value pairs
// populated from the storage section of the config file.
type Params map[string]any

// Decode decodes the params into a backend specific configuration
// struct, honoring mapstructure tags.
func (p Params) Decode(out any) error {
	if err := mapstructure.Decode(map[string]any(p), out); err != nil {
		return trace.BadParameter("invalid storage parameters: %v", err)
	}
	return nil
}

// Factory constructs a backend from configuration params.
type Factory func(ctx context.Context, params Params) (Backend, error)

// Registry holds the set of backend implementations available to the
// process. Implementations are passed in explicitly at construction
// time; there is no ambient registration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry validates the provided factories and builds a registry
// from them.
func NewRegistry(factories map[string]Factory) (*Registry, error) {
	if len(factories) == 0 {
		return nil, trace.BadParameter("backend registry requires at least one factory")
	}
	reg := make(map[string]Factory, len(factories))
	for name, factory := range factories {
		if name == "" {
			return nil, trace.BadParameter("backend factory registered with empty name")
		}
		if factory == nil {
			return nil, trace.BadParameter("backend factory %q is nil", name)
		}
		reg[name] = factory
	}
	return &Registry{factories: reg}, nil
}

// Names returns the sorted names of the registered backends.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New constructs the backend selected by cfg.Type.
func (r *Registry) New(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Type == "" {
		return nil, trace.BadParameter("missing storage type, supported types are: %v", strings.Join(r.Names(), ", "))
	}
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, trace.BadParameter("unsupported storage type %q, supported types are: %v", cfg.Type, strings.Join(r.Names(), ", "))
	}
	b, err := factory(ctx, cfg.Params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return b, nil
}
