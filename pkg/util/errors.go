// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the controller's error taxonomy
var (
	ErrParseFailure         = errors.New("intent text did not parse")
	ErrUnknownTarget        = errors.New("target selector matched no devices")
	ErrCompileConflict      = errors.New("conflicting directives in one submission")
	ErrApplyTimeout         = errors.New("policy apply timed out")
	ErrApplyRejected        = errors.New("policy apply rejected")
	ErrTransportUnavailable = errors.New("device transport unavailable")
	ErrMetricUnavailable    = errors.New("metric query unavailable")
	ErrStoreUnavailable     = errors.New("state store unavailable")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrValidationFailed     = errors.New("validation failed")
	ErrNotFound             = errors.New("resource not found")
	ErrConflict             = errors.New("conflicting state")
	ErrDegraded             = errors.New("controller degraded, rejecting submissions")
	ErrUnauthorized         = errors.New("authentication required")
	ErrPermissionDenied     = errors.New("permission denied")
)

// ParseError reports why a clause of an intent submission failed to parse
type ParseError struct {
	Clause string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Clause == "" {
		return "parse failure: " + e.Reason
	}
	return fmt.Sprintf("parse failure in %q: %s", e.Clause, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrParseFailure
}

// NewParseError creates a parse error for a clause
func NewParseError(clause, reason string) *ParseError {
	return &ParseError{Clause: clause, Reason: reason}
}

// TargetError reports a selector that resolved to zero devices
type TargetError struct {
	Selector string
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("no devices match selector %q", e.Selector)
}

func (e *TargetError) Unwrap() error {
	return ErrUnknownTarget
}

// NewTargetError creates an unknown-target error
func NewTargetError(selector string) *TargetError {
	return &TargetError{Selector: selector}
}

// ConflictError reports two directives colliding on the same enforcement key
type ConflictError struct {
	Key    string
	First  string
	Second string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting directives on %s: %s vs %s", e.Key, e.First, e.Second)
}

func (e *ConflictError) Unwrap() error {
	return ErrCompileConflict
}

// NewConflictError creates a compile-conflict error
func NewConflictError(key, first, second string) *ConflictError {
	return &ConflictError{Key: key, First: first, Second: second}
}

// ApplyError reports an enforcement failure for a single policy
type ApplyError struct {
	PolicyID string
	Op       string
	Reason   string
	Timeout  bool
}

func (e *ApplyError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out for policy %s: %s", e.Op, e.PolicyID, e.Reason)
	}
	return fmt.Sprintf("%s failed for policy %s: %s", e.Op, e.PolicyID, e.Reason)
}

func (e *ApplyError) Unwrap() error {
	if e.Timeout {
		return ErrApplyTimeout
	}
	return ErrApplyRejected
}

// NewApplyError creates an apply-rejected error
func NewApplyError(policyID, op, reason string) *ApplyError {
	return &ApplyError{PolicyID: policyID, Op: op, Reason: reason}
}

// NewApplyTimeout creates an apply-timeout error
func NewApplyTimeout(policyID, op, reason string) *ApplyError {
	return &ApplyError{PolicyID: policyID, Op: op, Reason: reason, Timeout: true}
}

// ConfigError reports an invalid catalog or daemon configuration file
type ConfigError struct {
	File   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.File, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// NewConfigError creates a config error
func NewConfigError(file, reason string) *ConfigError {
	return &ConfigError{File: file, Reason: reason}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// ErrorKind maps an error to its taxonomy name for API responses and audit
// records. Unrecognized errors map to "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrParseFailure):
		return "parse_failure"
	case errors.Is(err, ErrUnknownTarget):
		return "unknown_target"
	case errors.Is(err, ErrCompileConflict):
		return "compile_conflict"
	case errors.Is(err, ErrApplyTimeout):
		return "apply_timeout"
	case errors.Is(err, ErrApplyRejected):
		return "apply_rejected"
	case errors.Is(err, ErrTransportUnavailable):
		return "transport_unavailable"
	case errors.Is(err, ErrMetricUnavailable):
		return "metric_unavailable"
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrDegraded):
		return "store_unavailable"
	case errors.Is(err, ErrConfigInvalid):
		return "config_invalid"
	case errors.Is(err, ErrValidationFailed):
		return "parse_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	default:
		return "internal"
	}
}
