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

package retryutils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinearDuration(t *testing.T) {
	t.Parallel()

	r, err := NewLinear(LinearConfig{
		First: time.Second,
		Step:  2 * time.Second,
		Max:   5 * time.Second,
	})
	require.NoError(t, err)

	require.Equal(t, time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 3*time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 5*time.Second, r.Duration())
	r.Inc()
	require.Equal(t, 5*time.Second, r.Duration())

	r.Reset()
	require.Equal(t, time.Second, r.Duration())
}

func TestLinearRequiresStepAndMax(t *testing.T) {
	t.Parallel()

	_, err := NewLinear(LinearConfig{Max: time.Second})
	require.Error(t, err)

	_, err = NewLinear(LinearConfig{Step: time.Second})
	require.Error(t, err)
}

func TestLinearForStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	r, err := NewLinear(LinearConfig{Step: time.Millisecond, Max: time.Millisecond})
	require.NoError(t, err)

	attempts := 0
	wantErr := errors.New("broken beyond repair")
	err = r.For(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return PermanentRetryError(wantErr)
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
	require.Contains(t, err.Error(), wantErr.Error())
}

func TestLinearForSucceeds(t *testing.T) {
	t.Parallel()

	r, err := NewLinear(LinearConfig{Step: time.Millisecond, Max: time.Millisecond})
	require.NoError(t, err)

	attempts := 0
	err = r.For(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestJitterRanges(t *testing.T) {
	t.Parallel()

	for range 100 {
		d := HalfJitter(time.Minute)
		require.GreaterOrEqual(t, d, 30*time.Second)
		require.Less(t, d, time.Minute)

		d = SeventhJitter(7 * time.Second)
		require.GreaterOrEqual(t, d, 6*time.Second)
		require.Less(t, d, 7*time.Second)

		d = FullJitter(time.Minute)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, time.Minute)
	}

	require.Equal(t, time.Duration(0), HalfJitter(0))
	require.Equal(t, time.Duration(0), SeventhJitter(0))
}
