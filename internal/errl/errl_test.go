// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package errl

import (
	"errors"
	"strings"
	"testing"
)

var errBase = errors.New("base error")

func TestError(t *testing.T) {
	if Error(nil) != nil {
		t.Fatalf("Error(nil) must be nil")
	}

	err := Error(errBase)
	if !errors.Is(err, errBase) {
		t.Errorf("Error() lost the wrapped error")
	}
	if !strings.Contains(err.Error(), "errl.TestError") {
		t.Errorf("Error() = %q, does not contain the location", err.Error())
	}
	if !strings.HasSuffix(err.Error(), "base error") {
		t.Errorf("Error() = %q, does not contain the message", err.Error())
	}
}

func TestErrorf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		wantIs bool
	}{
		{"wrapped", Errorf("calling: %w", errBase), true},
		{"not wrapped", Errorf("calling: %v", errBase), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, errBase); got != tt.wantIs {
				t.Errorf("errors.Is() = %v, want %v", got, tt.wantIs)
			}
			if Location(tt.err) == "" {
				t.Errorf("Location() is empty")
			}
		})
	}
}
