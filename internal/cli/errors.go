// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/fusion/internal/config"
	"github.com/jeranaias/fusion/internal/fusion"
	"github.com/jeranaias/fusion/internal/router"
	"github.com/jeranaias/fusion/internal/storage"
	"github.com/jeranaias/fusion/internal/vault"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates authentication failure
	ExitAuthError = 4
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
)

// UsageError reports invalid arguments or flags.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

// usageErrorf creates a UsageError.
func usageErrorf(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

// GetExitCode maps an error to an exit code.
func GetExitCode(err error) int {
	var usage *UsageError
	var validation config.ValidateErrors
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage), errors.Is(err, fusion.ErrInvalidRequest):
		return ExitUsageError
	case errors.As(err, &validation), errors.Is(err, vault.ErrNoSecret), errors.Is(err, router.ErrUnknownProvider):
		return ExitConfigError
	case errors.Is(err, storage.ErrInvalidToken), errors.Is(err, storage.ErrUnauthenticatedSave):
		return ExitAuthError
	case errors.Is(err, storage.ErrRunNotFound), errors.Is(err, storage.ErrUserNotFound):
		return ExitNotFoundError
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	default:
		return ExitGeneralError
	}
}

// DisplayError prints err to w, as JSON in json mode.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		_ = NewJSONErrorResponse(command, err).Write(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}
