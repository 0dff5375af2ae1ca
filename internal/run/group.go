// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package run implements an actor-runner with deterministic teardown.
// Each actor is a pair of functions: execute, which runs until done, and interrupt,
// which must make execute return as soon as possible.
package run

// Group collects actors and runs them concurrently.
// When one actor returns, all actors are interrupted.
// The zero value of a Group is useful.
type Group struct {
	actors []actor
}

type actor struct {
	execute   func() error
	interrupt func(error)
}

// Add an actor to the group. The interrupt function must cause execute to return.
func (g *Group) Add(execute func() error, interrupt func(error)) {
	g.actors = append(g.actors, actor{execute, interrupt})
}

// Run all actors concurrently. When the first actor returns, all others are interrupted.
// Run only returns when all actors have exited, and it returns the error of the first actor.
func (g *Group) Run() error {
	if len(g.actors) == 0 {
		return nil
	}

	// Run each actor.
	errors := make(chan error, len(g.actors))
	for _, a := range g.actors {
		go func(a actor) {
			errors <- a.execute()
		}(a)
	}

	// Wait for the first actor to stop.
	err := <-errors

	// Signal all actors to stop.
	for _, a := range g.actors {
		a.interrupt(err)
	}

	// Wait for all actors to stop.
	for i := 1; i < cap(errors); i++ {
		<-errors
	}

	return err
}
