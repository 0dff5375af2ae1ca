// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package breaker wraps the outbound calls to the IDM and the PDPs with a circuit breaker,
// so that a failing remote service is not hammered by every inbound request.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// Settings used by all breakers of the proxy
const (
	maxHalfOpenRequests = 3
	countInterval       = time.Minute
	openTimeout         = 30 * time.Second
	minRequests         = 10
	failureRatio        = 0.6
)

// Breaker is a named circuit breaker for calls returning a T
type Breaker[T any] struct {
	cb *gobreaker.CircuitBreaker[T]
}

// New creates a breaker. The healthy function decides which errors count as a success of the remote
// service (for example, a 401 reply means the service is alive). A nil healthy function
// counts only nil errors as successes.
// Calls cancelled by the caller are not counted, the remote service had no chance to reply.
func New[T any](name string, healthy func(error) bool) *Breaker[T] {
	if healthy == nil {
		healthy = func(err error) bool { return err == nil }
	}

	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: maxHalfOpenRequests,
		Interval:    countInterval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			counted := counts.Requests - counts.TotalExclusions
			if counted < minRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counted)
			return ratio >= failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: healthy,
		IsExcluded:   Cancelled,
	})

	return &Breaker[T]{cb: cb}
}

// Execute runs fn if the breaker allows it
func (b *Breaker[T]) Execute(fn func() (T, error)) (T, error) {
	return b.cb.Execute(fn)
}

// Name of the breaker
func (b *Breaker[T]) Name() string {
	return b.cb.Name()
}

// State is the current state as a string (closed, half-open or open)
func (b *Breaker[T]) State() string {
	return b.cb.State().String()
}

// Cancelled reports whether err comes from a context cancelled by the caller
func Cancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsOpen reports whether err was produced by the breaker refusing the call
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
