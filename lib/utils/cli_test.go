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

package utils

import (
	"io"
	"log/slog"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestUserMessageFromError(t *testing.T) {
	// Behavior is different in debug.
	defaultLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() {
		slog.SetDefault(defaultLogger)
	})

	require.Empty(t, UserMessageFromError(nil))
	require.Equal(t, "ERROR: bad thing occurred", UserMessageFromError(trace.Errorf("bad thing occurred")))
	require.Equal(t, "ERROR: wrapped", UserMessageFromError(trace.Wrap(trace.BadParameter("wrapped"))))
}

func TestUserMessageFromErrorDebug(t *testing.T) {
	defaultLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(defaultLogger)
	})

	// Debug reports carry the stack trace of the wrap site.
	message := UserMessageFromError(trace.Wrap(trace.BadParameter("wrapped")))
	require.Contains(t, message, "wrapped")
	require.Contains(t, message, "cli_test.go")
}
