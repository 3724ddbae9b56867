// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error is a fatal configuration error: topology size mismatch, batch size not divisible
// by the data-parallel size, a layer not divisible by the tensor-parallel or FSDP group size,
// or an unknown pipeline stage.
type Error struct {
	msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "configuration error: " + e.msg
}

// Errorf creates a configuration error, with a stack trace attached.
func Errorf(format string, args ...any) error {
	return errors.WithStack(&Error{msg: fmt.Sprintf(format, args...)})
}

// IsError returns whether err is (or wraps) a configuration error.
func IsError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}
