// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package localnet implements a collective.Transport where every rank is a goroutine of the
// same process. It is used for testing and for running a whole 3D-parallel world on one machine.
package localnet

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// World connects a fixed number of in-process ranks.
type World struct {
	transports []*Transport
}

// NewWorld creates a world with the given number of ranks.
func NewWorld(size int) *World {
	w := &World{transports: make([]*Transport, size)}
	for rank := 0; rank < size; rank++ {
		w.transports[rank] = &Transport{
			world:   w,
			rank:    rank,
			mailbox: collective.NewMailbox(),
		}
	}
	return w
}

// Size is the number of ranks in the world.
func (w *World) Size() int { return len(w.transports) }

// Transport returns the transport of the given rank.
func (w *World) Transport(rank int) *Transport { return w.transports[rank] }

// Abort every rank of the world.
func (w *World) Abort(cause error) {
	for _, t := range w.transports {
		t.mailbox.Abort(cause)
	}
}

// Transport is the collective.Transport of one rank of a World.
type Transport struct {
	world   *World
	rank    int
	mailbox *collective.Mailbox
}

var _ collective.Transport = (*Transport)(nil)

// Rank implements collective.Transport.
func (t *Transport) Rank() int { return t.rank }

// Size implements collective.Transport.
func (t *Transport) Size() int { return t.world.Size() }

// Mailbox implements collective.Transport.
func (t *Transport) Mailbox() *collective.Mailbox { return t.mailbox }

// Deliver implements collective.Transport. The data is copied, so the caller can reuse it.
func (t *Transport) Deliver(ctx context.Context, dst int, env *collective.Envelope) error {
	if dst < 0 || dst >= t.world.Size() {
		return errors.Errorf("localnet: destination rank %d out of range [0, %d)", dst, t.world.Size())
	}
	if t.mailbox.Aborted() {
		return errors.WithMessagef(collective.ErrAborted, "localnet: rank %d can't deliver", t.rank)
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "localnet: delivering to rank %d", dst)
	}
	delivered := *env
	delivered.Data = slices.Clone(env.Data)
	t.world.transports[dst].mailbox.Put(&delivered)
	return nil
}

// Abort implements collective.Transport: it aborts every rank of the world.
func (t *Transport) Abort(cause error) {
	t.world.Abort(errors.WithMessagef(cause, "aborted by rank %d", t.rank))
}

// RankFn is the function run by each rank, given its world communicator.
type RankFn func(ctx context.Context, world *collective.Communicator) error

// Run executes fn on size ranks concurrently, one goroutine per rank, and waits for all of them.
//
// If any rank returns an error (or panics), the whole world is aborted -- so ranks blocked on a
// collective operation return -- and the first error is returned.
func Run(ctx context.Context, size int, fn RankFn) error {
	return NewWorld(size).Run(ctx, fn)
}

// Run executes fn on every rank of the world. See package-level Run.
func (w *World) Run(ctx context.Context, fn RankFn) error {
	var (
		mu    sync.Mutex
		cause error // First error not caused by the abort itself.
	)
	g, gCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < w.Size(); rank++ {
		rank := rank
		t := w.transports[rank]
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("rank %d panicked: %v\n%s", rank, r, debug.Stack())
				}
				if err != nil && !errors.Is(err, collective.ErrAborted) {
					mu.Lock()
					if cause == nil {
						cause = err
					}
					mu.Unlock()
					klog.V(1).Infof("rank %d failed, aborting world: %v", rank, err)
					t.Abort(err)
				}
			}()
			return fn(gCtx, collective.World(t))
		})
	}
	err := g.Wait()
	mu.Lock()
	defer mu.Unlock()
	if cause != nil {
		return cause
	}
	return err
}

// String implements fmt.Stringer.
func (w *World) String() string {
	return fmt.Sprintf("localnet.World(size=%d)", w.Size())
}
