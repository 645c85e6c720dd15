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
	"strings"
)

// ErrCollectionNotFound is returned by CollectionInfo when the collection does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

// ErrCollectionExists is returned by CreateCollection when the collection already exists.
var ErrCollectionExists = errors.New("collection already exists")

// Distance is the similarity metric a collection is created with.
type Distance string

const (
	DistanceCosine    Distance = "cosine"
	DistanceDot       Distance = "dot"
	DistanceEuclidean Distance = "euclid"
)

// ParseDistance converts a configuration value into a Distance.
// The empty string selects cosine.
func ParseDistance(s string) (Distance, error) {
	switch d := Distance(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DistanceCosine, nil
	case DistanceCosine, DistanceDot, DistanceEuclidean:
		return d, nil
	case "euclidean":
		return DistanceEuclidean, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q (supported: cosine, dot, euclid)", s)
	}
}

// CollectionDescriptor describes the shape of a collection.
type CollectionDescriptor struct {
	Name      string
	Dimension uint64
	Distance  Distance
}

// Point is a vector plus payload stored under a stable id.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit. Score grows with similarity for every
// Distance; euclidean scores are negated distances.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// VectorStore is the interface that all vector store backends must implement.
type VectorStore interface {
	// CollectionInfo returns the descriptor of an existing collection or
	// ErrCollectionNotFound.
	CollectionInfo(ctx context.Context, name string) (*CollectionDescriptor, error)

	// CreateCollection creates a collection. It returns ErrCollectionExists
	// when a collection with the same name is already present.
	CreateCollection(ctx context.Context, desc CollectionDescriptor) error

	// UpsertPoints inserts points, overwriting any with the same id.
	UpsertPoints(ctx context.Context, collection string, points []Point) error

	// Search returns up to limit points ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error)

	// Count returns the number of points in a collection.
	Count(ctx context.Context, collection string) (uint64, error)

	// Close releases any resources held by the store.
	Close() error
}
