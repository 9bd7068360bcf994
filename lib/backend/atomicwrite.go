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
	"github.com/gravitational/trace"
)

// MaxAtomicWriteSize is the maximum number of conditional actions that
// may be applied in a single atomic write.
const MaxAtomicWriteSize = 64

// ErrConditionFailed is returned from AtomicWrite when one or more
// conditions did not hold. No action is applied in that case.
var ErrConditionFailed = &trace.CompareFailedError{
	Message: "condition failed, one or more conditions of the atomic write were not met",
}

// ConditionKind marks the type of condition to be evaluated.
type ConditionKind int

const (
	// KindWhatever indicates that no condition should be evaluated.
	KindWhatever ConditionKind = 1 + iota
	// KindExists asserts that an item exists at the target key.
	KindExists
	// KindNotExists asserts that no item exists at the target key.
	KindNotExists
	// KindRevision asserts that the item at the target key has the
	// specified revision.
	KindRevision
)

// Condition specifies some requirement that a backend item must meet for
// the associated action to be applied.
type Condition struct {
	// Kind is the kind of the condition.
	Kind ConditionKind
	// Revision is the expected revision, set when Kind is KindRevision.
	Revision string
}

// Whatever builds a condition that matches any state of the target key.
func Whatever() Condition {
	return Condition{Kind: KindWhatever}
}

// Exists builds a condition asserting that the target key holds an item.
func Exists() Condition {
	return Condition{Kind: KindExists}
}

// NotExists builds a condition asserting that the target key is empty.
func NotExists() Condition {
	return Condition{Kind: KindNotExists}
}

// Revision builds a condition asserting that the item at the target key
// has the given revision.
func Revision(r string) Condition {
	return Condition{Kind: KindRevision, Revision: r}
}

// ActionKind marks the kind of action to be taken.
type ActionKind int

const (
	// KindNop indicates that no action should be taken.
	KindNop ActionKind = 1 + iota
	// KindPut writes the provided item to the target key.
	KindPut
	// KindDelete deletes the item at the target key, if any.
	KindDelete
)

// Action specifies an action to be taken against a backend item if all
// conditions of the atomic write hold.
type Action struct {
	// Kind is the kind of the action.
	Kind ActionKind
	// Item is the item to be written, set when Kind is KindPut. Its Key
	// and Revision fields are ignored in favor of the enclosing
	// conditional action's key and the revision assigned by the write.
	Item Item
}

// Nop builds an action that does nothing. Useful for asserting a
// condition on a key without modifying it.
func Nop() Action {
	return Action{Kind: KindNop}
}

// Put builds an action that writes the provided item to the target key.
func Put(item Item) Action {
	return Action{Kind: KindPut, Item: item}
}

// Delete builds an action that deletes the item at the target key.
func Delete() Action {
	return Action{Kind: KindDelete}
}

// ConditionalAction specifies a condition and an action associated with a
// single key.
type ConditionalAction struct {
	// Key is the key against which the condition is evaluated and the
	// action is taken.
	Key Key
	// Condition must hold for the action to be applied.
	Condition Condition
	// Action is applied when every condition in the batch holds.
	Action Action
}

// Check validates the fields of the conditional action.
func (c *ConditionalAction) Check() error {
	if c.Key.IsZero() {
		return trace.BadParameter("conditional action missing required parameter Key")
	}

	switch c.Condition.Kind {
	case KindWhatever, KindExists, KindNotExists:
		if c.Condition.Revision != "" {
			return trace.BadParameter("condition %v does not expect a revision", c.Condition.Kind)
		}
	case KindRevision:
	default:
		return trace.BadParameter("conditional action for key %q missing condition", c.Key)
	}

	switch c.Action.Kind {
	case KindNop, KindDelete:
	case KindPut:
		if len(c.Action.Item.Value) == 0 {
			return trace.BadParameter("conditional action for key %q missing required put parameter Value", c.Key)
		}
	default:
		return trace.BadParameter("conditional action for key %q missing action", c.Key)
	}

	return nil
}

// ValidateAtomicWrite verifies that the supplied group of conditional
// actions forms a valid atomic write: at least one action, no more than
// MaxAtomicWriteSize, unique keys, and each action well formed.
func ValidateAtomicWrite(condacts []ConditionalAction) error {
	if len(condacts) == 0 {
		return trace.BadParameter("empty atomic write")
	}
	if len(condacts) > MaxAtomicWriteSize {
		return trace.BadParameter("too many actions in atomic write (%d > %d)", len(condacts), MaxAtomicWriteSize)
	}

	keys := make(map[string]struct{}, len(condacts))
	for i := range condacts {
		if err := condacts[i].Check(); err != nil {
			return trace.Wrap(err)
		}
		k := condacts[i].Key.String()
		if _, ok := keys[k]; ok {
			return trace.BadParameter("multiple conditional actions target key %q", condacts[i].Key)
		}
		keys[k] = struct{}{}
	}

	return nil
}
