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

// Package storage provides vector store backends for cindex.
//
// The VectorStore interface is the narrow contract the indexing pipeline
// needs: inspect or create a collection, upsert points keyed by id, and run
// a nearest-neighbour search. Two implementations are provided:
//
//   - QdrantStore: a Qdrant server reached over gRPC (default port 6334)
//   - MemoryStore: an in-process store with brute-force cosine search, used
//     by tests and by dry runs that should not touch a server
//
// # Quick Start
//
//	store, err := storage.NewQdrantStore(storage.QdrantConfig{
//	    Host: "localhost",
//	    Port: 6334,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	err = store.CreateCollection(ctx, storage.CollectionDescriptor{
//	    Name:      "my-project",
//	    Dimension: 1536,
//	    Distance:  storage.DistanceCosine,
//	})
//
// # Collections
//
// A collection records its vector dimension and distance metric when it is
// created. Neither can change afterwards without dropping the collection,
// so callers compare CollectionInfo against the vectors they are about to
// write. CollectionInfo returns ErrCollectionNotFound for a missing
// collection.
//
// # Idempotence
//
// UpsertPoints overwrites points that share an id. Writers that derive ids
// from content position (file, byte range, language) can therefore retry or
// run concurrently without creating duplicates.
package storage
