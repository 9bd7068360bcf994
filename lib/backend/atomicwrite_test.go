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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConditionalActionCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ca      ConditionalAction
		wantErr bool
	}{
		{
			name: "valid put",
			ca: ConditionalAction{
				Key:       NewKey("keys", "kid-1"),
				Condition: NotExists(),
				Action:    Put(Item{Value: []byte("v")}),
			},
		},
		{
			name: "valid conditional delete",
			ca: ConditionalAction{
				Key:       NewKey("keys", "kid-1"),
				Condition: Revision("rev-1"),
				Action:    Delete(),
			},
		},
		{
			name: "missing key",
			ca: ConditionalAction{
				Condition: Whatever(),
				Action:    Nop(),
			},
			wantErr: true,
		},
		{
			name: "revision set on non-revision condition",
			ca: ConditionalAction{
				Key:       NewKey("keys", "kid-1"),
				Condition: Condition{Kind: KindExists, Revision: "rev-1"},
				Action:    Nop(),
			},
			wantErr: true,
		},
		{
			name: "put without value",
			ca: ConditionalAction{
				Key:       NewKey("keys", "kid-1"),
				Condition: Whatever(),
				Action:    Put(Item{}),
			},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ca.Check()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateAtomicWrite(t *testing.T) {
	t.Parallel()

	valid := func(n int) []ConditionalAction {
		condacts := make([]ConditionalAction, 0, n)
		for i := range n {
			condacts = append(condacts, ConditionalAction{
				Key:       NewKey("items", fmt.Sprintf("%04d", i)),
				Condition: Whatever(),
				Action:    Put(Item{Value: []byte("v")}),
			})
		}
		return condacts
	}

	require.NoError(t, ValidateAtomicWrite(valid(2)))

	require.Error(t, ValidateAtomicWrite(nil), "empty write must be rejected")
	require.Error(t, ValidateAtomicWrite(valid(MaxAtomicWriteSize+1)), "oversized write must be rejected")

	dup := valid(2)
	dup[1].Key = dup[0].Key
	require.Error(t, ValidateAtomicWrite(dup), "duplicate keys must be rejected")
}
