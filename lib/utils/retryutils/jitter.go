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

// Package retryutils provides retries and jitters for periodic and
// failure driven work.
package retryutils

import (
	"math/rand/v2"
	"time"
)

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// FullJitter returns a duration on the range [0,d). Most suitable for
// jittering things like initial delays, where spreading work out matters
// more than the mean delay.
func FullJitter(d time.Duration) time.Duration {
	if d < 1 {
		return 0
	}
	return rand.N(d)
}

// HalfJitter returns a duration on the range [d/2,d). This is a large
// range and most suitable for jittering things like backoff operations
// where breaking cycles quickly is a priority.
func HalfJitter(d time.Duration) time.Duration {
	if d < 1 {
		return 0
	}
	frac := d / 2
	if frac < 1 {
		return d
	}
	return d - frac + rand.N(frac)
}

// SeventhJitter returns a duration on the range [6d/7,d). Prefer smaller
// jitters such as this when jittering periodic operations (e.g. key
// rotation checks) since large jitters result in significantly increased
// load.
func SeventhJitter(d time.Duration) time.Duration {
	if d < 1 {
		return 0
	}
	frac := d / 7
	if frac < 1 {
		return d
	}
	return d - frac + rand.N(frac)
}
