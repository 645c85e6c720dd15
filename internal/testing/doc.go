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

// Package testing provides test helpers for vector store backed tests.
//
// # Quick Start
//
// Use SetupTestStore to create an in-memory store that is closed when the
// test finishes:
//
//	func TestMyFeature(t *testing.T) {
//	    store := cindextest.SetupTestStore(t)
//	    cindextest.CreateTestCollection(t, store, "code_chunks", 4)
//	    cindextest.InsertTestPoint(t, store, "code_chunks", "p1", cindextest.AxisVector(4, 0), "HandleAuth")
//
//	    require.Equal(t, uint64(1), cindextest.CountPoints(t, store, "code_chunks"))
//	}
//
// # Vectors
//
// AxisVector and BlendVector build vectors whose cosine ranking against an
// axis is known in advance, which keeps ordering assertions exact.
//
// # Failure Injection
//
// FlakyStore fails the first N UpsertPoints calls, with a gRPC Unavailable
// error by default, to exercise retry paths without a real server.
package testing
