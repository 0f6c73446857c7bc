// Package errors provides error creation, wrapping and aggregation helpers
// used across the repository, it is a thin layer above the standard library.
package errors

import (
	"errors"
	"fmt"
)

func New(text string) error {
	return errors.New(text)
}

// Errorf formats an error, the %w verb is supported.
func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Wrap returns an error that wraps err with the message.
func Wrap(err error, message string) error {
	if err == nil {
		panic("error cannot be nil")
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf returns an error that wraps err with the formatted message.
func Wrapf(err error, format string, a ...any) error {
	return Wrap(err, fmt.Sprintf(format, a...))
}

// PrefixError adds a prefix before the original error message.
func PrefixError(err error, prefix string) error {
	return Wrap(err, prefix)
}

// PrefixErrorf adds a formatted prefix before the original error message.
func PrefixErrorf(err error, format string, a ...any) error {
	return Wrapf(err, format, a...)
}
