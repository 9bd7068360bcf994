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

// Package translate turns verified provider claims into the roles and
// permissions the gateway stamps on downstream tokens.
//
// Translation is driven by a schema: sources pull raw values out of the
// claim set, transforms normalize them, and mappings resolve them into
// roles and permissions. Schemas are validated and compiled once at
// load time, a schema that parses is guaranteed to translate without
// errors.
package translate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/aussieco/aussie/lib/utils"
)

// SourceType says how a source claim value is parsed into elements.
type SourceType string

const (
	// SourceArray parses a JSON array, one element per entry.
	SourceArray SourceType = "ARRAY"
	// SourceSpaceDelimited splits a string on whitespace.
	SourceSpaceDelimited SourceType = "SPACE_DELIMITED"
	// SourceCommaDelimited splits a string on commas.
	SourceCommaDelimited SourceType = "COMMA_DELIMITED"
	// SourceSingle takes the whole value as one element.
	SourceSingle SourceType = "SINGLE"
)

// Operation type discriminator values.
const (
	// OpStripPrefix removes a prefix from elements that carry it.
	OpStripPrefix = "strip-prefix"
	// OpReplace replaces every occurrence of a literal substring.
	OpReplace = "replace"
	// OpLowercase lowercases the element.
	OpLowercase = "lowercase"
	// OpUppercase uppercases the element.
	OpUppercase = "uppercase"
	// OpRegex rewrites the element with a regular expression,
	// replacing every match.
	OpRegex = "regex"
)

// Source names a claim to pull values from.
type Source struct {
	// Name identifies the source within the schema.
	Name string `json:"name"`
	// ClaimPath is the dot notated path of the claim, nested objects
	// are traversed one segment at a time.
	ClaimPath string `json:"claimPath"`
	// Type says how the claim value is parsed into elements.
	Type SourceType `json:"type"`
}

// Operation is one normalization step applied to source elements. The
// Type field discriminates which parameters apply.
type Operation struct {
	// Type is one of the Op constants.
	Type string `json:"type"`
	// Prefix is the prefix removed by strip-prefix.
	Prefix string `json:"prefix,omitempty"`
	// From is the substring replaced by replace.
	From string `json:"from,omitempty"`
	// To is the replacement used by replace.
	To string `json:"to,omitempty"`
	// Pattern is the regular expression used by regex.
	Pattern string `json:"pattern,omitempty"`
	// Replacement is the rewrite used by regex, $1 style references
	// expand to capture groups.
	Replacement string `json:"replacement,omitempty"`
}

// Transform applies a list of operations, in order, to one source.
type Transform struct {
	// Source names the source the operations apply to.
	Source string `json:"source"`
	// Operations run in the listed order.
	Operations []Operation `json:"operations"`
}

// Mappings resolve normalized claim values into roles and permissions.
type Mappings struct {
	// RoleToPermissions grants a role and its permission set when a
	// value matches the role name.
	RoleToPermissions map[string][]string `json:"roleToPermissions,omitempty"`
	// DirectPermissions grants a single permission when a value
	// matches, without granting a role.
	DirectPermissions map[string]string `json:"directPermissions,omitempty"`
}

// Defaults control what happens to values no mapping matched.
type Defaults struct {
	// DenyIfNoMatch rejects the request when translation produces no
	// roles and no permissions at all. Unset means deny.
	DenyIfNoMatch *bool `json:"denyIfNoMatch,omitempty"`
	// IncludeUnmapped turns unmatched values into roles as-is instead
	// of dropping them.
	IncludeUnmapped bool `json:"includeUnmapped,omitempty"`
}

// DenyOnNoMatch reports whether an empty translation denies the
// request. Absent configuration denies, the permissive behavior has to
// be opted into.
func (d Defaults) DenyOnNoMatch() bool {
	return d.DenyIfNoMatch == nil || *d.DenyIfNoMatch
}

// Schema is the claim translation configuration. A Schema is inert
// until compiled into a Translator.
type Schema struct {
	// Version is the schema format version.
	Version int `json:"version,omitempty"`
	// Sources pull raw values out of the claim set.
	Sources []Source `json:"sources"`
	// Transforms normalize source values.
	Transforms []Transform `json:"transforms,omitempty"`
	// Mappings resolve values into roles and permissions.
	Mappings Mappings `json:"mappings,omitempty"`
	// Defaults control unmatched values.
	Defaults Defaults `json:"defaults,omitempty"`
}

// CheckAndSetDefaults validates the schema. Every problem a schema can
// have is caught here, including regular expressions that do not
// compile and operation types this version does not know.
func (s *Schema) CheckAndSetDefaults() error {
	names := make(map[string]struct{}, len(s.Sources))
	for i, src := range s.Sources {
		if src.Name == "" {
			return trace.BadParameter("source %d: missing name", i)
		}
		if _, ok := names[src.Name]; ok {
			return trace.BadParameter("duplicate source %q", src.Name)
		}
		names[src.Name] = struct{}{}
		if src.ClaimPath == "" {
			return trace.BadParameter("source %q: missing claimPath", src.Name)
		}
		switch src.Type {
		case SourceArray, SourceSpaceDelimited, SourceCommaDelimited, SourceSingle:
		default:
			return trace.BadParameter("source %q: unsupported type %q", src.Name, src.Type)
		}
	}
	for _, tr := range s.Transforms {
		if tr.Source == "" {
			return trace.BadParameter("transform: missing source")
		}
		if _, ok := names[tr.Source]; !ok {
			return trace.BadParameter("transform references unknown source %q", tr.Source)
		}
		for _, op := range tr.Operations {
			if _, err := compileOperation(op); err != nil {
				return trace.Wrap(err, "transform for source %q", tr.Source)
			}
		}
	}
	for role, perms := range s.Mappings.RoleToPermissions {
		if role == "" {
			return trace.BadParameter("roleToPermissions: empty role name")
		}
		for _, perm := range perms {
			if perm == "" {
				return trace.BadParameter("roleToPermissions[%q]: empty permission", role)
			}
		}
	}
	for value, perm := range s.Mappings.DirectPermissions {
		if value == "" {
			return trace.BadParameter("directPermissions: empty claim value")
		}
		if perm == "" {
			return trace.BadParameter("directPermissions[%q]: empty permission", value)
		}
	}
	return nil
}

// UnmarshalSchema parses and validates a JSON schema document. A schema
// this function accepts is guaranteed to compile.
func UnmarshalSchema(data []byte) (*Schema, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing translation schema data")
	}
	var schema Schema
	if err := utils.FastUnmarshal(data, &schema); err != nil {
		return nil, trace.BadParameter("parsing translation schema: %v", err)
	}
	if err := schema.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &schema, nil
}

// MarshalSchema serializes a schema after validating it.
func MarshalSchema(schema *Schema) ([]byte, error) {
	if schema == nil {
		return nil, trace.BadParameter("missing parameter schema")
	}
	if err := schema.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := utils.FastMarshal(schema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// compileOperation turns one operation into an executable string
// rewrite. Unknown operation types are rejected so a schema written for
// a newer gateway fails loudly at load time instead of silently
// skipping steps.
func compileOperation(op Operation) (func(string) string, error) {
	switch op.Type {
	case OpStripPrefix:
		if op.Prefix == "" {
			return nil, trace.BadParameter("strip-prefix: missing prefix")
		}
		prefix := op.Prefix
		return func(s string) string {
			return strings.TrimPrefix(s, prefix)
		}, nil
	case OpReplace:
		if op.From == "" {
			return nil, trace.BadParameter("replace: missing from")
		}
		from, to := op.From, op.To
		return func(s string) string {
			return strings.ReplaceAll(s, from, to)
		}, nil
	case OpLowercase:
		return strings.ToLower, nil
	case OpUppercase:
		return strings.ToUpper, nil
	case OpRegex:
		if op.Pattern == "" {
			return nil, trace.BadParameter("regex: missing pattern")
		}
		re, err := regexp.Compile(op.Pattern)
		if err != nil {
			return nil, trace.BadParameter("regex: invalid pattern %q: %v", op.Pattern, err)
		}
		replacement := op.Replacement
		return func(s string) string {
			return re.ReplaceAllString(s, replacement)
		}, nil
	case "":
		return nil, trace.BadParameter("operation is missing its type")
	default:
		return nil, trace.BadParameter("unsupported operation type %q", op.Type)
	}
}

// elementString renders one claim element as a string. Composite values
// have no string form and are skipped.
func elementString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	default:
		return "", false
	}
}
