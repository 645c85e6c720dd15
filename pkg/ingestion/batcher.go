// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

// Batcher groups work items into batches bounded by item count and total size.
type Batcher struct {
	maxItems int
	maxBytes int // 0 disables the size bound
}

// NewBatcher creates a new batcher. maxItems below 1 is treated as 1.
func NewBatcher(maxItems int, maxBytes int) *Batcher {
	if maxItems < 1 {
		maxItems = 1
	}
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &Batcher{
		maxItems: maxItems,
		maxBytes: maxBytes,
	}
}

// Batch splits items, given by their sizes in bytes, into consecutive
// batches of indices. A batch closes when adding the next item would exceed
// either bound. An item larger than maxBytes on its own gets a batch of its
// own rather than being dropped.
func (b *Batcher) Batch(sizes []int) [][]int {
	if len(sizes) == 0 {
		return nil
	}

	var batches [][]int
	var current []int
	currentSize := 0

	for i, size := range sizes {
		wouldExceedSize := b.maxBytes > 0 && currentSize+size > b.maxBytes
		wouldExceedCount := len(current) >= b.maxItems

		if len(current) > 0 && (wouldExceedSize || wouldExceedCount) {
			batches = append(batches, current)
			current = nil
			currentSize = 0
		}

		current = append(current, i)
		currentSize += size
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
