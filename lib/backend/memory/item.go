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

package memory

import (
	"container/heap"

	"github.com/aussieco/aussie/lib/backend"
)

// btreeItem is a copy of the backend item tracked both in the key order
// btree and in the expiry min heap.
type btreeItem struct {
	backend.Item
	// index is the position in the expiry heap, -1 when the item has no
	// expiry and is not tracked by the heap.
	index int
}

func less(a, b *btreeItem) bool {
	return a.Key.Compare(b.Key) < 0
}

// minHeap orders items by their expiry time, soonest first. It
// implements heap.Interface.
type minHeap []*btreeItem

func newMinHeap() *minHeap {
	mh := make(minHeap, 0)
	heap.Init(&mh)
	return &mh
}

func (mh minHeap) Len() int { return len(mh) }

func (mh minHeap) Less(i, j int) bool {
	return mh[i].Expires.Before(mh[j].Expires)
}

func (mh minHeap) Swap(i, j int) {
	mh[i], mh[j] = mh[j], mh[i]
	mh[i].index = i
	mh[j].index = j
}

func (mh *minHeap) Push(x any) {
	item := x.(*btreeItem)
	item.index = len(*mh)
	*mh = append(*mh, item)
}

func (mh *minHeap) Pop() any {
	old := *mh
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*mh = old[:n-1]
	return item
}

func (mh *minHeap) PushEl(el *btreeItem) {
	heap.Push(mh, el)
}

func (mh *minHeap) PopEl() *btreeItem {
	el := heap.Pop(mh)
	return el.(*btreeItem)
}

func (mh *minHeap) PeekEl() *btreeItem {
	items := *mh
	return items[0]
}

func (mh *minHeap) RemoveEl(el *btreeItem) {
	if el.index < 0 || el.index >= len(*mh) || (*mh)[el.index] != el {
		return
	}
	heap.Remove(mh, el.index)
	el.index = -1
}
