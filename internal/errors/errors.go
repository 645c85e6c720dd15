// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package errors provides user-facing errors for the cindex CLI.
//
// Every fatal condition the CLI reports is turned into a UserError that
// says what went wrong, why, and how to fix it, and carries the exit code
// the process ends with.
//
// # Basic Usage
//
//	err := errors.NewStoreError(
//	    "Cannot write to the vector store",
//	    "Qdrant at localhost:6334 refused the connection",
//	    "Start Qdrant or set QDRANT_HOST / QDRANT_PORT",
//	    underlyingErr,
//	)
//	errors.FatalError(err, globals.JSON)
//
// # Formatted Output
//
// Format renders colored text for terminals:
//
//	Error: Cannot write to the vector store
//	Cause: Qdrant at localhost:6334 refused the connection
//	Fix:   Start Qdrant or set QDRANT_HOST / QDRANT_PORT
//
// ToJSON returns the same information for --json mode:
//
//	{
//	  "error": "Cannot write to the vector store",
//	  "cause": "Qdrant at localhost:6334 refused the connection",
//	  "fix": "Start Qdrant or set QDRANT_HOST / QDRANT_PORT",
//	  "exit_code": 2
//	}
//
// # Exit Codes
//
//   - ExitSuccess (0): Successful execution
//   - ExitConfig (1): Missing or invalid configuration
//   - ExitStore (2): Vector store errors (unreachable, dimension mismatch)
//   - ExitNetwork (3): Embedding provider errors (auth, rate limits, outages)
//   - ExitInput (4): Invalid arguments or unreadable input files
//   - ExitPermission (5): Permission denied
//   - ExitNotFound (6): Missing source tree or collection
//   - ExitInternal (10): Internal errors (bugs)
//   - ExitInterrupted (130): Cancelled by SIGINT or SIGTERM
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Exit codes for different error categories.
const (
	ExitSuccess = 0

	// ExitConfig indicates configuration errors (missing/invalid config files).
	ExitConfig = 1

	// ExitStore indicates vector store errors.
	ExitStore = 2

	// ExitNetwork indicates embedding provider or other network errors.
	ExitNetwork = 3

	// ExitInput indicates invalid user input (bad arguments, malformed chunk files).
	ExitInput = 4

	ExitPermission = 5

	// ExitNotFound indicates a missing source tree, file or collection.
	ExitNotFound = 6

	// ExitInternal signals a bug that should be reported.
	ExitInternal = 10

	// ExitInterrupted follows the shell convention of 128 + SIGINT.
	ExitInterrupted = 130
)

// UserError is an error with structured context for end users.
//
// Message says what went wrong, Cause why, and Fix what to do about it.
// Err keeps the underlying error for errors.Is and errors.As.
type UserError struct {
	Message  string
	Cause    string
	Fix      string
	ExitCode int
	Err      error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *UserError) Unwrap() error {
	return e.Err
}

func newUserError(code int, msg, cause, fix string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		ExitCode: code,
		Err:      err,
	}
}

// NewConfigError creates a configuration error with exit code ExitConfig.
//
// Example:
//
//	return NewConfigError(
//	    "Cannot load cindex configuration",
//	    "No .cindex/project.yaml in this directory or its parents",
//	    "Run 'cindex init' to create one",
//	    nil,
//	)
func NewConfigError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitConfig, msg, cause, fix, err)
}

// NewStoreError creates a vector store error with exit code ExitStore.
func NewStoreError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitStore, msg, cause, fix, err)
}

// NewNetworkError creates a network error with exit code ExitNetwork.
//
// Use it for failures talking to the embedding provider: authentication,
// exhausted retries on rate limits or outages.
func NewNetworkError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitNetwork, msg, cause, fix, err)
}

// NewInputError creates an input validation error with exit code ExitInput.
func NewInputError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitInput, msg, cause, fix, err)
}

// NewPermissionError creates a permission denied error with exit code ExitPermission.
func NewPermissionError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitPermission, msg, cause, fix, err)
}

// NewNotFoundError creates a resource not found error with exit code ExitNotFound.
//
// Example:
//
//	return NewNotFoundError(
//	    "Collection not found",
//	    "Collection \"code_chunks\" does not exist",
//	    "Run 'cindex index' first",
//	    err,
//	)
func NewNotFoundError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitNotFound, msg, cause, fix, err)
}

// NewInternalError creates an internal error with exit code ExitInternal.
func NewInternalError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitInternal, msg, cause, fix, err)
}

// NewInterruptedError reports a run cancelled by a signal.
func NewInterruptedError(msg string, err error) *UserError {
	return newUserError(ExitInterrupted, msg, "The run was cancelled before it finished",
		"Rerun the command; finished stages can be resumed from the chunk file", err)
}

// Color definitions for error formatting.
var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format returns the error for terminal display, with Error in red, Cause
// in yellow and Fix in green. Empty sections are omitted. Colors are off
// when noColor is set or NO_COLOR is present in the environment.
//
// The global color.NoColor state is restored before returning.
func (e *UserError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")

	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}

	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}

	return out.String()
}

// ErrorJSON is the --json rendering of a UserError.
type ErrorJSON struct {
	Error    string `json:"error"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// ToJSON converts the UserError to a JSON-serializable structure.
func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{
		Error:    e.Message,
		Cause:    e.Cause,
		Fix:      e.Fix,
		ExitCode: e.ExitCode,
	}
}

// exit is replaced in tests.
var (
	osExit = os.Exit
	exit   = osExit
)

// FatalError prints err to stderr and exits with its code.
//
// A UserError anywhere in the chain is rendered with Format, or ToJSON in
// JSON mode. Any other error is printed as is and exits with ExitInternal.
// A nil error is a no-op.
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}

	var ue *UserError
	if stderrors.As(err, &ue) {
		if jsonOutput {
			enc := json.NewEncoder(os.Stderr)
			enc.SetIndent("", "  ")
			// The process exits either way.
			_ = enc.Encode(ue.ToJSON())
		} else {
			fmt.Fprint(os.Stderr, ue.Format(false))
		}
		exit(ue.ExitCode)
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	exit(ExitInternal)
}
