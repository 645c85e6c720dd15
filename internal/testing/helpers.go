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

package testing

import (
	"context"
	"sync"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kraklabs/cindex/pkg/storage"
)

// SetupTestStore creates an in-memory vector store for testing.
// The store is automatically closed when the test finishes.
//
// Example:
//
//	func TestMyFeature(t *testing.T) {
//	    store := testing.SetupTestStore(t)
//	    testing.CreateTestCollection(t, store, "code_chunks", 4)
//	    // Run your tests...
//	}
func SetupTestStore(t *testing.T) *storage.MemoryStore {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// CreateTestCollection creates a cosine collection of the given dimension.
func CreateTestCollection(t *testing.T, store storage.VectorStore, name string, dimension int) {
	t.Helper()

	err := store.CreateCollection(context.Background(), storage.CollectionDescriptor{
		Name:      name,
		Dimension: uint64(dimension),
		Distance:  storage.DistanceCosine,
	})
	if err != nil {
		t.Fatalf("failed to create test collection: %v", err)
	}
}

// InsertTestPoint adds a point with a small payload to a collection.
// This is a convenience helper for seeding test data.
//
// Example:
//
//	testing.InsertTestPoint(t, store, "code_chunks", "p1", testing.AxisVector(4, 0), "HandleAuth")
func InsertTestPoint(t *testing.T, store storage.VectorStore, collection, id string, vector []float32, name string) {
	t.Helper()

	err := store.UpsertPoints(context.Background(), collection, []storage.Point{{
		ID:     id,
		Vector: vector,
		Payload: map[string]any{
			"name":      name,
			"kind":      "function",
			"file_path": name + ".go",
		},
	}})
	if err != nil {
		t.Fatalf("failed to insert test point: %v", err)
	}
}

// CountPoints returns the number of points in a collection.
func CountPoints(t *testing.T, store storage.VectorStore, collection string) uint64 {
	t.Helper()

	n, err := store.Count(context.Background(), collection)
	if err != nil {
		t.Fatalf("failed to count points: %v", err)
	}
	return n
}

// AxisVector returns a unit vector of the given dimension along one axis.
func AxisVector(dimension, axis int) []float32 {
	v := make([]float32, dimension)
	v[axis%dimension] = 1
	return v
}

// BlendVector returns a vector pointing between axis a (weight w) and
// axis b (weight 1-w). Its cosine similarity to AxisVector(a) grows with w.
func BlendVector(dimension, a, b int, w float32) []float32 {
	v := make([]float32, dimension)
	v[a%dimension] += w
	v[b%dimension] += 1 - w
	return v
}

// FlakyStore wraps a VectorStore and fails the first Failures calls to
// UpsertPoints with Err. It is safe for concurrent use.
type FlakyStore struct {
	storage.VectorStore

	Failures int
	Err      error

	mu    sync.Mutex
	calls int
}

// NewFlakyStore wraps store. A nil err selects a gRPC Unavailable error.
func NewFlakyStore(store storage.VectorStore, failures int, err error) *FlakyStore {
	if err == nil {
		err = status.Error(codes.Unavailable, "connection reset by peer")
	}
	return &FlakyStore{VectorStore: store, Failures: failures, Err: err}
}

// UpsertPoints fails while the failure budget lasts, then delegates.
func (f *FlakyStore) UpsertPoints(ctx context.Context, collection string, points []storage.Point) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.Failures
	f.mu.Unlock()

	if fail {
		return f.Err
	}
	return f.VectorStore.UpsertPoints(ctx, collection, points)
}

// Calls returns the number of UpsertPoints calls seen.
func (f *FlakyStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
