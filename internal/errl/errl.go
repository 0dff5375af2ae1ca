// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package errl decorates errors with the location where they were created or propagated.
// The decorated errors keep the original error in the chain, so errors.Is and errors.As
// work as usual.
package errl

import (
	"errors"
	"fmt"
	"path"
	"runtime"
	"strings"
)

// Error wraps err with the name of the calling function and the line.
// It returns nil if err is nil, so it can be used directly in return statements.
func Error(err error) error {
	if err == nil {
		return nil
	}
	return &locError{loc: caller(2), err: err}
}

// Errorf formats according to a format specifier and decorates the result with the location.
// As with fmt.Errorf, the %w verb wraps its operand.
func Errorf(format string, a ...any) error {
	return &locError{loc: caller(2), err: fmt.Errorf(format, a...)}
}

type locError struct {
	loc string
	err error
}

func (e *locError) Error() string {
	// Avoid repeating the same location when an error is propagated several times in the same function
	msg := e.err.Error()
	if strings.HasPrefix(msg, e.loc) {
		return msg
	}
	return e.loc + ": " + msg
}

func (e *locError) Unwrap() error {
	return e.err
}

// Location returns the location recorded in the outermost decorated error in the chain, if any.
func Location(err error) string {
	var le *locError
	if errors.As(err, &le) {
		return le.loc
	}
	return ""
}

func caller(skip int) string {
	pc, _, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", path.Base(fn.Name()), line)
}
