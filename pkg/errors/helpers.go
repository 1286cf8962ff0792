// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// Convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// Convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
// Convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// IsRetryable reports whether the error is worth retrying: transient
// external failures, timeouts, and retryable persistence errors.
// Validation, not-found, permission, protocol, safety, and conflict
// errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}

	var persistence *PersistenceError
	if errors.As(err, &persistence) {
		return persistence.Retryable
	}

	return false
}

// IsValidation reports whether the error is a validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether the error is a not-found failure.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether the error is a conflict failure.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsSafety reports whether the error is a safety refusal.
func IsSafety(err error) bool {
	var s *SafetyError
	return errors.As(err, &s)
}

// Code returns the stable API error code for the error, used in HTTP
// responses and streamed failure frames.
func Code(err error) string {
	var (
		permission  *PermissionError
		timeout     *TimeoutError
		transient   *TransientError
		persistence *PersistenceError
		protocol    *ProtocolError
	)

	switch {
	case IsValidation(err):
		return "validation_error"
	case IsNotFound(err):
		return "not_found"
	case IsConflict(err):
		return "conflict"
	case IsSafety(err):
		return "safety_violation"
	case errors.As(err, &permission):
		return "permission_denied"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &transient):
		return "transient_error"
	case errors.As(err, &persistence):
		return "persistence_error"
	case errors.As(err, &protocol):
		return "protocol_error"
	default:
		return "internal_error"
	}
}
