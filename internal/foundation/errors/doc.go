// Package errors provides foundational, type-safe error primitives used across Bayou.
//
// This package contains classified error types and helpers for robust error handling,
// including a fluent builder API for constructing ClassifiedError values with context,
// and a fixed mapping from each category onto the wire error code spec §6 guarantees
// callers will see.
//
// Key features:
//   - ErrorCategory: the caller-visible wire taxonomy (bad_value, timed_out, etc.)
//   - ErrorSeverity: Impact level (error, warning, fatal, info)
//   - RetryStrategy: Retry behavior (never, immediate, backoff, user action)
//   - ClassifiedError: Structured error with category, severity, and context
//   - ErrorBuilder: Fluent API for creating classified errors
//   - HTTP and CLI adapters for error presentation
//
// Example usage:
//
//	err := errors.NewError(errors.CategoryTimeout, "waitForChangeAfter deadline exceeded").
//		WithContext("docId", docID).
//		Build()
package errors
