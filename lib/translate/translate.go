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

package translate

import (
	"slices"
	"strings"

	"github.com/gravitational/trace"
)

// TranslatedClaims is the outcome of running a claim set through a
// schema. Roles and permissions are sets, returned sorted so equal
// inputs render equal outputs.
type TranslatedClaims struct {
	// Roles granted by the mapping phase.
	Roles []string
	// Permissions granted through roles and direct mappings.
	Permissions []string
	// Attributes holds the normalized values per source, keyed by
	// source name. Sources whose claim path did not resolve are absent.
	Attributes map[string]any
}

// Empty reports whether translation produced neither roles nor
// permissions. Together with the schema's DenyOnNoMatch this decides
// whether the request proceeds.
func (c *TranslatedClaims) Empty() bool {
	return len(c.Roles) == 0 && len(c.Permissions) == 0
}

type compiledSource struct {
	name string
	path []string
	typ  SourceType
	ops  []func(string) string
}

// Translator is a compiled schema. Compilation front-loads all the work
// that can fail, Translate itself is pure and cannot.
type Translator struct {
	schema  *Schema
	sources []compiledSource
}

// NewTranslator validates and compiles a schema.
func NewTranslator(schema *Schema) (*Translator, error) {
	if schema == nil {
		return nil, trace.BadParameter("missing parameter schema")
	}
	if err := schema.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opsBySource := make(map[string][]func(string) string)
	for _, tr := range schema.Transforms {
		for _, op := range tr.Operations {
			fn, err := compileOperation(op)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			opsBySource[tr.Source] = append(opsBySource[tr.Source], fn)
		}
	}
	sources := make([]compiledSource, 0, len(schema.Sources))
	for _, src := range schema.Sources {
		sources = append(sources, compiledSource{
			name: src.Name,
			path: strings.Split(src.ClaimPath, "."),
			typ:  src.Type,
			ops:  opsBySource[src.Name],
		})
	}
	return &Translator{schema: schema, sources: sources}, nil
}

// Schema returns the schema this translator was compiled from.
func (t *Translator) Schema() *Schema {
	return t.schema
}

// DenyOnNoMatch reports whether an empty translation denies the
// request.
func (t *Translator) DenyOnNoMatch() bool {
	return t.schema.Defaults.DenyOnNoMatch()
}

// Translate runs a verified claim set through the schema. The result
// depends only on the schema and the claims.
func (t *Translator) Translate(claims map[string]any) *TranslatedClaims {
	roles := make(map[string]struct{})
	permissions := make(map[string]struct{})
	attributes := make(map[string]any, len(t.sources))

	for _, src := range t.sources {
		values, ok := src.extract(claims)
		if !ok {
			continue
		}
		attributes[src.name] = values
		for _, value := range values {
			matched := false
			if mapped, ok := t.schema.Mappings.RoleToPermissions[value]; ok {
				roles[value] = struct{}{}
				for _, perm := range mapped {
					permissions[perm] = struct{}{}
				}
				matched = true
			}
			if perm, ok := t.schema.Mappings.DirectPermissions[value]; ok {
				permissions[perm] = struct{}{}
				matched = true
			}
			if !matched && t.schema.Defaults.IncludeUnmapped {
				roles[value] = struct{}{}
			}
		}
	}

	return &TranslatedClaims{
		Roles:       sortedSet(roles),
		Permissions: sortedSet(permissions),
		Attributes:  attributes,
	}
}

// Translate compiles the schema and translates in one step. Callers on
// the request path should compile once with NewTranslator instead.
func Translate(schema *Schema, claims map[string]any) (*TranslatedClaims, error) {
	translator, err := NewTranslator(schema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return translator.Translate(claims), nil
}

// extract resolves the source's claim path and parses the value into
// normalized elements. The second return is false when the path does
// not resolve or the value has the wrong shape for the source type.
func (s compiledSource) extract(claims map[string]any) ([]string, bool) {
	value, ok := lookupPath(claims, s.path)
	if !ok {
		return nil, false
	}

	var elems []string
	switch s.typ {
	case SourceArray:
		list, ok := value.([]any)
		if !ok {
			return nil, false
		}
		for _, item := range list {
			str, ok := elementString(item)
			if !ok {
				continue
			}
			elems = append(elems, strings.TrimSpace(str))
		}
	case SourceSpaceDelimited:
		str, ok := elementString(value)
		if !ok {
			return nil, false
		}
		elems = strings.Fields(str)
	case SourceCommaDelimited:
		str, ok := elementString(value)
		if !ok {
			return nil, false
		}
		for _, part := range strings.Split(str, ",") {
			elems = append(elems, strings.TrimSpace(part))
		}
	case SourceSingle:
		str, ok := elementString(value)
		if !ok {
			return nil, false
		}
		elems = []string{strings.TrimSpace(str)}
	}

	// Transforms run in order on every element. Elements that come out
	// empty are dropped, duplicates keep their first occurrence.
	seen := make(map[string]struct{}, len(elems))
	result := make([]string, 0, len(elems))
	for _, elem := range elems {
		for _, op := range s.ops {
			elem = op(elem)
		}
		if elem == "" {
			continue
		}
		if _, dup := seen[elem]; dup {
			continue
		}
		seen[elem] = struct{}{}
		result = append(result, elem)
	}
	return result, true
}

// lookupPath walks a dot notated path through nested claim objects. A
// claim whose literal name contains dots wins over traversal, provider
// namespaced claims like "https://example.com/groups" stay addressable.
func lookupPath(claims map[string]any, path []string) (any, bool) {
	if len(path) > 1 {
		if value, ok := claims[strings.Join(path, ".")]; ok {
			return value, true
		}
	}
	var current any = claims
	for _, segment := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for value := range set {
		out = append(out, value)
	}
	slices.Sort(out)
	return out
}
