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

// Package log provides helpers around [log/slog]. It is conventionally
// imported as logutils to avoid clashing with the standard library.
package log

import "log/slog"

// NewPackageLogger creates a [slog.Logger] with the provided key value
// pairs applied to every entry.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.With(args...)
}
