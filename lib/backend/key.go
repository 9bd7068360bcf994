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

import "strings"

// Separator is the character used to separate key components.
const Separator = '/'

// Key is the unique identifier of an Item. Keys are ordered by their
// string representation, which allows prefix range scans.
type Key struct {
	s          string
	components []string
}

// NewKey joins the given components into a key.
func NewKey(components ...string) Key {
	return newKey(false, components)
}

// ExactKey is like NewKey but the returned key ends with the separator,
// so ranges derived from it only match whole leading components. Use it
// to construct the start of a range scan.
func ExactKey(components ...string) Key {
	return newKey(true, components)
}

func newKey(exact bool, components []string) Key {
	if len(components) == 0 && !exact {
		return Key{}
	}
	var b strings.Builder
	for _, c := range components {
		b.WriteByte(Separator)
		b.WriteString(c)
	}
	if exact {
		b.WriteByte(Separator)
	}
	return Key{s: b.String(), components: append([]string(nil), components...)}
}

// KeyFromString reconstructs a key from its string representation. Used
// when loading keys that were stored or transmitted as plain strings.
func KeyFromString(s string) Key {
	trimmed := strings.Trim(s, string(Separator))
	var components []string
	if trimmed != "" {
		components = strings.Split(trimmed, string(Separator))
	}
	return Key{s: s, components: components}
}

// String returns the canonical representation of the key.
func (k Key) String() string { return k.s }

// IsZero reports whether the key is empty.
func (k Key) IsZero() bool { return k.s == "" }

// Components returns the individual path components of the key.
func (k Key) Components() []string { return k.components }

// Compare orders keys lexicographically by their string representation.
func (k Key) Compare(other Key) int { return strings.Compare(k.s, other.s) }

// HasPrefix reports whether the key starts with the given prefix key.
func (k Key) HasPrefix(prefix Key) bool { return strings.HasPrefix(k.s, prefix.s) }

// AppendKey returns a new key with the other key appended to this one.
func (k Key) AppendKey(other Key) Key {
	return KeyFromString(k.s + other.s)
}

// RangeEnd returns the first key beyond the range of keys that share the
// given key as a prefix, suitable as the exclusive end of a range scan.
func RangeEnd(key Key) Key {
	b := []byte(key.s)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return Key{s: string(b[:i+1])}
		}
	}
	// The entire key space.
	return Key{s: "\xff"}
}

// MaskKeyName masks most of the given key name so it can show up in logs
// without exposing the full identifier.
func MaskKeyName(keyName string) string {
	masked := []byte(keyName)
	hiddenBefore := int(0.75 * float64(len(keyName)))
	for i := range hiddenBefore {
		masked[i] = '*'
	}
	return string(masked)
}
