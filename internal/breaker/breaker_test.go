// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

var errRemote = errors.New("remote failure")
var errRejected = errors.New("rejected by remote")

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := New[int]("test", nil)

	for range minRequests {
		_, err := b.Execute(func() (int, error) { return 0, errRemote })
		if !errors.Is(err, errRemote) {
			t.Fatalf("Execute() error = %v, want %v", err, errRemote)
		}
	}

	if b.State() != "open" {
		t.Fatalf("State() = %s, want open", b.State())
	}

	called := false
	_, err := b.Execute(func() (int, error) { called = true; return 1, nil })
	if called {
		t.Errorf("function called with the breaker open")
	}
	if !IsOpen(err) {
		t.Errorf("IsOpen(%v) = false, want true", err)
	}
}

func TestBreakerHealthyErrors(t *testing.T) {
	b := New[int]("healthy", func(err error) bool {
		return err == nil || errors.Is(err, errRejected)
	})

	for range 2 * minRequests {
		_, err := b.Execute(func() (int, error) { return 0, errRejected })
		if !errors.Is(err, errRejected) {
			t.Fatalf("Execute() error = %v, want %v", err, errRejected)
		}
	}

	if b.State() != "closed" {
		t.Errorf("State() = %s, want closed", b.State())
	}

	v, err := b.Execute(func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("Execute() = %d, %v, want 7, nil", v, err)
	}
	if b.Name() != "healthy" {
		t.Errorf("Name() = %s, want healthy", b.Name())
	}
	if IsOpen(errRemote) {
		t.Errorf("IsOpen() of a plain error = true")
	}
}

func TestBreakerIgnoresCancelled(t *testing.T) {
	b := New[int]("cancelled", nil)

	for range 3 * minRequests {
		_, err := b.Execute(func() (int, error) {
			return 0, fmt.Errorf("sending request: %w", context.Canceled)
		})
		if !Cancelled(err) {
			t.Fatalf("Execute() error = %v, want a cancellation", err)
		}
	}
	if b.State() != "closed" {
		t.Fatalf("State() = %s after cancelled calls, want closed", b.State())
	}

	// Deadlines are still failures of the remote service
	for range minRequests {
		b.Execute(func() (int, error) { return 0, context.DeadlineExceeded })
	}
	if b.State() != "open" {
		t.Errorf("State() = %s after timeouts, want open", b.State())
	}
}
