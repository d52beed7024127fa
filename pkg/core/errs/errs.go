// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs holds the error kinds shared by the graph compiler.
//
// Errors are always wrapped with github.com/pkg/errors, with the kind at the root of the chain,
// so callers test for them with errors.Is:
//
//	if errors.Is(err, errs.ErrShape) { ... skip this rewrite ... }
package errs

import (
	"github.com/pkg/errors"
)

var (
	// ErrShape is returned when an operation's shape rule rejects its inputs.
	// Recoverable only by not performing the rewrite that produced it.
	ErrShape = errors.New("shape error")

	// ErrInvariant indicates a graph consistency violation. It is always a bug, and it aborts a pass run.
	ErrInvariant = errors.New("graph invariant violated")

	// ErrUnsupportedOperation is returned when no compiler is registered for an operation.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrConfiguration is returned for malformed or impossible kernel configurations.
	ErrConfiguration = errors.New("invalid kernel configuration")

	// ErrCompilation is returned when the device compiler toolchain fails or times out.
	ErrCompilation = errors.New("compilation failed")
)

// Shapef returns an ErrShape with the formatted message.
func Shapef(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}

// Invariantf returns an ErrInvariant with the formatted message.
func Invariantf(format string, args ...any) error {
	return errors.Wrapf(ErrInvariant, format, args...)
}

// Unsupportedf returns an ErrUnsupportedOperation with the formatted message.
func Unsupportedf(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedOperation, format, args...)
}

// Configurationf returns an ErrConfiguration with the formatted message.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Compilationf returns an ErrCompilation with the formatted message.
func Compilationf(format string, args ...any) error {
	return errors.Wrapf(ErrCompilation, format, args...)
}

// Mark returns err tagged with the error kind (one of the Err* sentinels), with the formatted context
// prepended to its message. Both errors.Is(result, kind) and errors.Is(result, err) hold.
// It returns nil if err is nil, and only adds the message if err is already of that kind.
func Mark(kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	err = errors.WithMessagef(err, format, args...)
	if errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, cause: err}
}

type kindError struct {
	kind, cause error
}

func (e *kindError) Error() string { return e.cause.Error() }

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *kindError) Unwrap() []error { return []error{e.kind, e.cause} }
