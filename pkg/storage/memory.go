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

package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var errStoreClosed = errors.New("memory store is closed")

type memoryCollection struct {
	desc   CollectionDescriptor
	points map[string]Point
}

// MemoryStore is an in-process VectorStore with brute-force search.
// It is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	closed      bool
}

var _ VectorStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryStore) CollectionInfo(ctx context.Context, name string) (*CollectionDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errStoreClosed
	}
	c, ok := m.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	desc := c.desc
	return &desc, nil
}

func (m *MemoryStore) CreateCollection(ctx context.Context, desc CollectionDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if desc.Dimension == 0 {
		return fmt.Errorf("collection %q: dimension must be positive", desc.Name)
	}
	if desc.Distance == "" {
		desc.Distance = DistanceCosine
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errStoreClosed
	}
	if _, ok := m.collections[desc.Name]; ok {
		return ErrCollectionExists
	}
	m.collections[desc.Name] = &memoryCollection{desc: desc, points: make(map[string]Point)}
	return nil
}

func (m *MemoryStore) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errStoreClosed
	}
	c, ok := m.collections[collection]
	if !ok {
		return ErrCollectionNotFound
	}
	for _, p := range points {
		if uint64(len(p.Vector)) != c.desc.Dimension {
			return fmt.Errorf("point %s: vector dimension %d, collection %q expects %d",
				p.ID, len(p.Vector), collection, c.desc.Dimension)
		}
	}
	for _, p := range points {
		c.points[p.ID] = Point{
			ID:      p.ID,
			Vector:  append([]float32(nil), p.Vector...),
			Payload: copyPayload(p.Payload),
		}
	}
	return nil
}

// Search scores every point in the collection. Ties are broken by id so
// results are deterministic.
func (m *MemoryStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errStoreClosed
	}
	c, ok := m.collections[collection]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	if uint64(len(vector)) != c.desc.Dimension {
		return nil, fmt.Errorf("query dimension %d, collection %q expects %d", len(vector), collection, c.desc.Dimension)
	}

	hits := make([]ScoredPoint, 0, len(c.points))
	for _, p := range c.points {
		hits = append(hits, ScoredPoint{
			ID:      p.ID,
			Score:   score(c.desc.Distance, vector, p.Vector),
			Payload: copyPayload(p.Payload),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryStore) Count(ctx context.Context, collection string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errStoreClosed
	}
	c, ok := m.collections[collection]
	if !ok {
		return 0, ErrCollectionNotFound
	}
	return uint64(len(c.points)), nil
}

// Get returns a stored point by id.
func (m *MemoryStore) Get(collection, id string) (Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return Point{}, false
	}
	p, ok := c.points[id]
	return p, ok
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// score returns a similarity where larger is better for every metric.
// Euclidean distance is negated to keep that ordering.
func score(d Distance, a, b []float32) float32 {
	switch d {
	case DistanceDot:
		return float32(dot(a, b))
	case DistanceEuclidean:
		var sum float64
		for i := range a {
			diff := float64(a[i]) - float64(b[i])
			sum += diff * diff
		}
		return float32(-math.Sqrt(sum))
	default:
		na, nb := math.Sqrt(dot(a, a)), math.Sqrt(dot(b, b))
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(dot(a, b) / (na * nb))
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
