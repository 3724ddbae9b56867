// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"sync"

	"github.com/gomlx/parallelisms/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrAborted is returned by every operation after the process group has been aborted.
var ErrAborted = errors.New("process group aborted")

// Mailbox holds the messages delivered to one rank until they are received.
//
// Queues are unbounded, so delivering never waits for the matching receive: this is what
// allows a collective to send to every peer before receiving from them.
type Mailbox struct {
	mu      sync.Mutex
	queues  map[Key][][]float32
	arrived map[Key]chan struct{} // Closed when a message with the key is put.
	aborted *xsync.Latch
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		queues:  make(map[Key][][]float32),
		arrived: make(map[Key]chan struct{}),
		aborted: xsync.NewLatch(),
	}
}

// Put queues the envelope's data. It takes ownership of env.Data.
func (mb *Mailbox) Put(env *Envelope) {
	key := env.Key()
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.queues[key] = append(mb.queues[key], env.Data)
	if ch, found := mb.arrived[key]; found {
		close(ch)
		delete(mb.arrived, key)
	}
}

// Take blocks until a message with the given key is available and returns its data.
// Messages with the same key are returned in the order they were put.
//
// It fails if the mailbox is aborted or the context is cancelled.
func (mb *Mailbox) Take(ctx context.Context, key Key) ([]float32, error) {
	for {
		if mb.aborted.Test() {
			return nil, mb.aborted.Err()
		}
		mb.mu.Lock()
		if queue := mb.queues[key]; len(queue) > 0 {
			data := queue[0]
			if len(queue) == 1 {
				delete(mb.queues, key)
			} else {
				queue[0] = nil
				mb.queues[key] = queue[1:]
			}
			mb.mu.Unlock()
			return data, nil
		}
		ch, found := mb.arrived[key]
		if !found {
			ch = make(chan struct{})
			mb.arrived[key] = ch
		}
		mb.mu.Unlock()

		select {
		case <-ch:
		case <-mb.aborted.Done():
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for message %s", key)
		}
	}
}

// Pending returns the number of messages queued and not yet taken.
func (mb *Mailbox) Pending() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var count int
	for _, queue := range mb.queues {
		count += len(queue)
	}
	return count
}

// Abort fails every pending and future Take with an error wrapping ErrAborted.
// Only the first abort is recorded.
func (mb *Mailbox) Abort(cause error) {
	err := ErrAborted
	if cause != nil {
		err = errors.WithMessagef(ErrAborted, "%v", cause)
	}
	if mb.aborted.Trigger(err) {
		klog.V(1).Infof("mailbox aborted: %v", cause)
	}
}

// Aborted returns whether the mailbox has been aborted.
func (mb *Mailbox) Aborted() bool {
	return mb.aborted.Test()
}
