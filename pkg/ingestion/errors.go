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

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/kraklabs/cindex/pkg/storage"
)

// ParseError reports that a file could not be turned into a usable syntax tree.
// It is recoverable: the pipeline records it and moves on to the next file.
type ParseError struct {
	FilePath string
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.FilePath, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// UnsupportedLanguageError reports a file whose language has no registered grammar.
type UnsupportedLanguageError struct {
	FilePath string
	Language string
}

func (e *UnsupportedLanguageError) Error() string {
	if e.Language == "" {
		return fmt.Sprintf("unsupported language for %s", e.FilePath)
	}
	return fmt.Sprintf("unsupported language %q for %s", e.Language, e.FilePath)
}

// ConfigurationError reports an invalid setting detected before processing starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// EmbeddingError reports a batch that could not be embedded, either because
// retries were exhausted or because the provider rejected it outright.
type EmbeddingError struct {
	Batch int
	Size  int
	Cause error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding batch %d (%d chunks): %v", e.Batch, e.Size, e.Cause)
}

func (e *EmbeddingError) Unwrap() error { return e.Cause }

// DimensionMismatchError reports vectors whose size differs from what the
// collection (or the rest of the batch) declares.
type DimensionMismatchError struct {
	Collection string
	Expected   int
	Actual     int
}

func (e *DimensionMismatchError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
	}
	return fmt.Sprintf("collection %q has dimension %d, vectors have %d", e.Collection, e.Expected, e.Actual)
}

// TransportError is a network or provider-level failure. Retryable marks
// failures worth another attempt (rate limits, 5xx, resets, timeouts).
type TransportError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Stage names used in StageError.
const (
	StageParse  = "parse"
	StageEmbed  = "embed"
	StageUpsert = "upsert"
	StageQuery  = "query"
)

// StageError wraps a fatal failure with the pipeline stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FileError records a per-file failure collected during a run.
type FileError struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// IsRetryable reports whether err is a transient failure worth retrying on a
// write path: explicit TransportError flags, gRPC transient codes, per-attempt
// deadlines, network timeouts and resets, and HTTP 429/5xx surfaced in text.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	if storage.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	// Best-effort classification based on error text for transports that
	// only surface strings.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "temporarily unavailable", "connection refused", "connection reset", "deadline exceeded"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range []string{" 429 ", " 500 ", " 502 ", " 503 ", " 504 "} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// retryableStatus treats rate limiting and server-side failures as transient.
func retryableStatus(code int) bool {
	return code == 429 || code == 408 || code >= 500
}
