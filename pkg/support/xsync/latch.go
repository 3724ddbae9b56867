// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import "sync"

// Latch is a one-shot signal that carries the error that triggered it.
//
// Once triggered it never changes state: later calls to Trigger are ignored, and the
// first error is the one reported by Err and Wait.
type Latch struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger the latch with the given error. It returns true if this call triggered it,
// false if it had already been triggered.
func (l *Latch) Trigger(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return false
	default:
	}
	l.err = err
	close(l.done)
	return true
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the latch triggers. Use it in a `select`.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// Err returns the error the latch was triggered with, or nil if not triggered yet.
func (l *Latch) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Wait blocks until the latch is triggered and returns its error.
func (l *Latch) Wait() error {
	<-l.done
	return l.Err()
}
