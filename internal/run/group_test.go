// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package run

import (
	"errors"
	"testing"
	"time"
)

func TestZero(t *testing.T) {
	var g Group
	if err := g.Run(); err != nil {
		t.Errorf("Run() on empty group = %v", err)
	}
}

func TestOne(t *testing.T) {
	myError := errors.New("foobar")
	var g Group
	g.Add(func() error { return myError }, func(error) {})
	if err := g.Run(); err != myError {
		t.Errorf("Run() = %v, want %v", err, myError)
	}
}

func TestMany(t *testing.T) {
	interrupt := errors.New("interrupt")
	var g Group
	g.Add(func() error { return interrupt }, func(error) {})

	cancel := make(chan struct{})
	g.Add(func() error { <-cancel; return nil }, func(error) { close(cancel) })

	res := make(chan error)
	go func() { res <- g.Run() }()

	select {
	case err := <-res:
		if err != interrupt {
			t.Errorf("Run() = %v, want %v", err, interrupt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the group to finish")
	}
}
