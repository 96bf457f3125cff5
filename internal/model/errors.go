package model

import (
	"errors"
	"fmt"
)

var (
	// ErrFormatMismatch means a top-level container is unreadable or not the expected format.
	ErrFormatMismatch = errors.New("format mismatch")
	// ErrRecordCorrupt means a single sub-record could not be decoded; it is skipped.
	ErrRecordCorrupt = errors.New("record corrupt")
	// ErrResolutionFailure means attachment bytes could not be located.
	ErrResolutionFailure = errors.New("attachment resolution failure")
	// ErrInvariantViolation means a decoder produced a record breaking the canonical model.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrStorageUnavailable means the record store failed a transaction.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

func FormatMismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormatMismatch, fmt.Sprintf(format, args...))
}

func RecordCorrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRecordCorrupt, fmt.Sprintf(format, args...))
}

func ResolutionFailure(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResolutionFailure, fmt.Sprintf(format, args...))
}

func InvariantViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// StorageUnavailable wraps err so that errors.Is matches both err and ErrStorageUnavailable.
func StorageUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
