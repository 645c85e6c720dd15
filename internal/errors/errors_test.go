// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestUserError_Error verifies the Error() method implementation.
func TestUserError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *UserError
		want string
	}{
		{
			name: "with underlying error",
			err:  &UserError{Message: "Cannot write to the vector store", Err: fmt.Errorf("connection refused")},
			want: "Cannot write to the vector store: connection refused",
		},
		{
			name: "without underlying error",
			err:  &UserError{Message: "Invalid input"},
			want: "Invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("UserError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestExitCodes verifies that exit code constants have the documented values
// and do not collide.
func TestExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		want     int
	}{
		{"ExitSuccess", ExitSuccess, 0},
		{"ExitConfig", ExitConfig, 1},
		{"ExitStore", ExitStore, 2},
		{"ExitNetwork", ExitNetwork, 3},
		{"ExitInput", ExitInput, 4},
		{"ExitPermission", ExitPermission, 5},
		{"ExitNotFound", ExitNotFound, 6},
		{"ExitInternal", ExitInternal, 10},
		{"ExitInterrupted", ExitInterrupted, 130},
	}

	seen := make(map[int]string)
	for _, tt := range tests {
		if tt.exitCode != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.exitCode, tt.want)
		}
		if other, ok := seen[tt.exitCode]; ok {
			t.Errorf("%s and %s share exit code %d", tt.name, other, tt.exitCode)
		}
		seen[tt.exitCode] = tt.name
	}
}

// TestConstructors verifies that every constructor sets its exit code and
// keeps the underlying error.
func TestConstructors(t *testing.T) {
	underlying := fmt.Errorf("underlying error")

	tests := []struct {
		name     string
		err      *UserError
		wantCode int
	}{
		{"NewConfigError", NewConfigError("msg", "cause", "fix", underlying), ExitConfig},
		{"NewStoreError", NewStoreError("msg", "cause", "fix", underlying), ExitStore},
		{"NewNetworkError", NewNetworkError("msg", "cause", "fix", underlying), ExitNetwork},
		{"NewInputError", NewInputError("msg", "cause", "fix", underlying), ExitInput},
		{"NewPermissionError", NewPermissionError("msg", "cause", "fix", underlying), ExitPermission},
		{"NewNotFoundError", NewNotFoundError("msg", "cause", "fix", underlying), ExitNotFound},
		{"NewInternalError", NewInternalError("msg", "cause", "fix", underlying), ExitInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", tt.err.ExitCode, tt.wantCode)
			}
			if tt.err.Message != "msg" || tt.err.Cause != "cause" || tt.err.Fix != "fix" {
				t.Errorf("fields not set: %+v", tt.err)
			}
			if !errors.Is(tt.err, underlying) {
				t.Error("errors.Is should find the underlying error")
			}
		})
	}

	interrupted := NewInterruptedError("Indexing interrupted", underlying)
	if interrupted.ExitCode != ExitInterrupted {
		t.Errorf("NewInterruptedError ExitCode = %d, want %d", interrupted.ExitCode, ExitInterrupted)
	}
	if interrupted.Fix == "" {
		t.Error("NewInterruptedError should suggest a fix")
	}
}

// TestUserError_ErrorsAs verifies extraction through wrapping.
func TestUserError_ErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("index: %w", NewNotFoundError("Collection not found", "", "", nil))

	var ue *UserError
	if !errors.As(wrapped, &ue) {
		t.Fatal("errors.As should extract UserError")
	}
	if ue.ExitCode != ExitNotFound {
		t.Errorf("ExitCode = %d, want %d", ue.ExitCode, ExitNotFound)
	}
}

// TestUserError_Format verifies the Format() method implementation.
func TestUserError_Format(t *testing.T) {
	tests := []struct {
		name    string
		err     *UserError
		want    []string
		notWant []string
	}{
		{
			name: "full error",
			err: &UserError{
				Message: "Cannot write to the vector store",
				Cause:   "Qdrant refused the connection",
				Fix:     "Start Qdrant",
			},
			want: []string{"Error: Cannot write to the vector store", "Cause: Qdrant refused the connection", "Fix:   Start Qdrant"},
		},
		{
			name:    "message only",
			err:     &UserError{Message: "Something failed"},
			want:    []string{"Error: Something failed"},
			notWant: []string{"Cause:", "Fix:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Format(true)
			for _, s := range tt.want {
				if !strings.Contains(got, s) {
					t.Errorf("Format() output missing %q\nGot: %s", s, got)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(got, s) {
					t.Errorf("Format() output should not contain %q\nGot: %s", s, got)
				}
			}
			if strings.Contains(got, "\x1b[") {
				t.Error("Format(true) output contains ANSI codes")
			}
		})
	}
}

// TestUserError_Format_NoColorEnv verifies that NO_COLOR is respected.
func TestUserError_Format_NoColorEnv(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	err := &UserError{Message: "Test error", Cause: "Test cause", Fix: "Test fix"}
	if out := err.Format(false); strings.Contains(out, "\x1b[") {
		t.Error("Format() output contains ANSI codes despite NO_COLOR being set")
	}
}

// TestUserError_ToJSON verifies the ToJSON() method implementation.
func TestUserError_ToJSON(t *testing.T) {
	err := NewConfigError("Invalid configuration", "granularity: unknown value", "Run: cindex init --force", nil)

	got := err.ToJSON()

	want := ErrorJSON{
		Error:    "Invalid configuration",
		Cause:    "granularity: unknown value",
		Fix:      "Run: cindex init --force",
		ExitCode: ExitConfig,
	}
	if got != want {
		t.Errorf("ToJSON() = %+v, want %+v", got, want)
	}
}

// TestFatalError verifies the exit code chosen for each kind of error.
func TestFatalError(t *testing.T) {
	var code int
	exited := false
	exit = func(c int) { code, exited = c, true }
	defer func() { exit = osExit }()

	t.Run("nil error does nothing", func(t *testing.T) {
		exited = false
		FatalError(nil, false)
		if exited {
			t.Error("FatalError(nil) should not exit")
		}
	})

	t.Run("wrapped UserError uses its code", func(t *testing.T) {
		FatalError(fmt.Errorf("run: %w", NewStoreError("store down", "", "", nil)), true)
		if code != ExitStore {
			t.Errorf("exit code = %d, want %d", code, ExitStore)
		}
	})

	t.Run("plain error is internal", func(t *testing.T) {
		FatalError(fmt.Errorf("generic error"), false)
		if code != ExitInternal {
			t.Errorf("exit code = %d, want %d", code, ExitInternal)
		}
	})
}
