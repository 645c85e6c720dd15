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

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/kraklabs/cindex/internal/errors"
	"github.com/kraklabs/cindex/pkg/ingestion"
	"github.com/kraklabs/cindex/pkg/storage"
)

// toUserError classifies a pipeline or store error for the terminal.
// The checks run from the most specific cause to the stage it failed in.
func toUserError(err error) *errors.UserError {
	if err == nil {
		return nil
	}

	var ue *errors.UserError
	if stderrors.As(err, &ue) {
		return ue
	}

	var cfgErr *ingestion.ConfigurationError
	if stderrors.As(err, &cfgErr) {
		return errors.NewConfigError(
			"Invalid configuration",
			fmt.Sprintf("%s: %s", cfgErr.Field, cfgErr.Reason),
			"Edit .cindex/project.yaml or the matching environment variable",
			err,
		)
	}

	if stderrors.Is(err, context.Canceled) {
		return errors.NewInterruptedError("Interrupted", err)
	}

	var dimErr *ingestion.DimensionMismatchError
	if stderrors.As(err, &dimErr) {
		return errors.NewStoreError(
			"Vector dimension mismatch",
			dimErr.Error(),
			"Use the embedding model the collection was built with, or pick another collection with --collection",
			err,
		)
	}

	if stderrors.Is(err, storage.ErrCollectionNotFound) {
		return errors.NewNotFoundError(
			"Collection not found",
			err.Error(),
			"Run 'cindex index' first, or check vector_store.collection",
			err,
		)
	}

	if stderrors.Is(err, os.ErrPermission) {
		return errors.NewPermissionError(
			"Permission denied",
			err.Error(),
			"Check the permissions of the source tree and the output path",
			err,
		)
	}

	var embErr *ingestion.EmbeddingError
	var transportErr *ingestion.TransportError
	if stderrors.As(err, &embErr) || stderrors.As(err, &transportErr) {
		return errors.NewNetworkError(
			"Embedding request failed",
			err.Error(),
			"Check the provider URL and API key; rerun to resume from the chunk file",
			err,
		)
	}

	var stageErr *ingestion.StageError
	if stderrors.As(err, &stageErr) {
		switch stageErr.Stage {
		case ingestion.StageParse:
			if stderrors.Is(err, os.ErrNotExist) {
				return errors.NewNotFoundError(
					"Source tree not found",
					err.Error(),
					"Check the PATH argument",
					err,
				)
			}
			return errors.NewInputError("Cannot read the source tree", err.Error(), "Check the PATH argument", err)
		case ingestion.StageUpsert, ingestion.StageQuery:
			return errors.NewStoreError(
				"Vector store request failed",
				err.Error(),
				"Check that Qdrant is reachable (vector_store.host, QDRANT_HOST)",
				err,
			)
		}
	}

	if storage.IsTransient(err) {
		return errors.NewStoreError(
			"Vector store unavailable",
			err.Error(),
			"Check that Qdrant is running and reachable",
			err,
		)
	}

	return errors.NewInternalError(
		"Unexpected failure",
		err.Error(),
		"Rerun with --debug and report the output",
		err,
	)
}

// fatal renders err for the terminal (or as JSON) and exits.
func fatal(err error, globals GlobalFlags) {
	if err == nil {
		return
	}
	errors.FatalError(toUserError(err), globals.JSON)
}
