// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass splits platform failures into the two retry categories.
type ErrorClass int

const (
	// ErrorTransient marks timeouts, rate-limit rejections and 5xx-style
	// failures. The delivery queue retries these with backoff.
	ErrorTransient ErrorClass = iota
	// ErrorPermanent marks auth failures, invalid targets and rejected
	// payloads. Never retried; surfaced to the engine as a delivery failure.
	ErrorPermanent
)

// PlatformError wraps an adapter failure with its retry class.
type PlatformError struct {
	Class    ErrorClass
	Platform string
	Op       string
	Err      error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Platform, e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable platform failure.
func Transient(platform, op string, err error) *PlatformError {
	return &PlatformError{Class: ErrorTransient, Platform: platform, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable platform failure.
func Permanent(platform, op string, err error) *PlatformError {
	return &PlatformError{Class: ErrorPermanent, Platform: platform, Op: op, Err: err}
}

// IsPermanent reports whether err is classified as non-retryable. Unknown
// errors and timeouts count as transient so the bounded retry loop gets a
// chance before the event fails.
func IsPermanent(err error) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Class == ErrorPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return false
}

// TranslationError marks malformed or unsupported content. The message is
// still delivered with a degraded rendering; this error only surfaces when
// no rendering at all is possible (e.g. no dialect for the target platform).
type TranslationError struct {
	Target string
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("cannot translate for %s: %s", e.Target, e.Reason)
}

// AttachmentError marks a failed binary relay. It degrades the attachment to
// a link fallback and never fails the message that carried it.
type AttachmentError struct {
	Filename string
	Stage    string // "download" or "upload"
	Err      error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attachment %s failed at %s: %v", e.Filename, e.Stage, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }
