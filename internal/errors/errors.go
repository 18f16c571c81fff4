// Package errors provides structured CLI error types for Kennel.
//
// CLIError wraps errors with user-facing messages, hints, and exit codes
// to provide consistent, actionable error output across all commands.
package errors

import (
	"errors"
	"fmt"
)

// Exit codes for CLI errors.
const (
	ExitSuccess  = 0  // Successful execution
	ExitGeneral  = 1  // General error
	ExitProfile  = 2  // Profile / credential error
	ExitSpawn    = 3  // Process spawn error
	ExitConfig   = 4  // Configuration error
	ExitTerminal = 5  // Terminal registry error
	ExitUsage    = 64 // Command line usage error (BSD convention)
)

// CLIError represents a user-facing CLI error with actionable guidance.
type CLIError struct {
	// Message is the primary error message shown to the user.
	Message string

	// Hint provides actionable guidance on how to fix the error.
	Hint string

	// Cause is the underlying error, if any.
	Cause error

	// Code is the exit code for the CLI.
	Code int
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}

	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CLIError) Unwrap() error {
	return e.Cause
}

// New creates a new CLIError with the given message and exit code.
func New(code int, message string) *CLIError {
	return &CLIError{
		Message: message,
		Code:    code,
	}
}

// Wrap wraps an existing error with a CLIError.
func Wrap(code int, message string, cause error) *CLIError {
	return &CLIError{
		Message: message,
		Cause:   cause,
		Code:    code,
	}
}

// WithHint adds a hint to the error.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// As is a convenience function for errors.As with CLIError.
func As(err error, target **CLIError) bool {
	return errors.As(err, target)
}

// --- Common error constructors ---

// ProfileNotFound returns an error for an unknown profile.
func ProfileNotFound(name string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Profile not found: %s", name),
		Hint:    "Run 'kennel profile list' to see available profiles",
		Code:    ExitProfile,
	}
}

// NoCredentials returns an error indicating missing credential material.
func NoCredentials(name string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Profile %q has no stored credentials", name),
		Hint:    fmt.Sprintf("Run 'kennel profile token set %s' to store a token", name),
		Code:    ExitProfile,
	}
}

// TerminalNotFound returns an error for an unknown terminal id.
func TerminalNotFound(id string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Terminal not found: %s", id),
		Code:    ExitTerminal,
	}
}

// SpawnFailed returns an error for a failed process spawn.
func SpawnFailed(cause error) *CLIError {
	return &CLIError{
		Message: "Could not start the agent process",
		Hint:    "Check that the agent CLI is installed and on PATH ('kennel status' shows the resolved command)",
		Cause:   cause,
		Code:    ExitSpawn,
	}
}

// NoSessionsForDate returns an error when a snapshot date has no records.
func NoSessionsForDate(date string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("No saved sessions for %s", date),
		Hint:    "Run 'kennel sessions dates' to list dates with saved sessions",
		Code:    ExitConfig,
	}
}

// CannotPrompt returns an error when interactive prompts are unavailable.
func CannotPrompt(envVar string) *CLIError {
	return &CLIError{
		Message: "Cannot prompt in non-interactive mode",
		Hint:    fmt.Sprintf("Set %s environment variable instead", envVar),
		Code:    ExitUsage,
	}
}
