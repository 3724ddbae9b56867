// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WorldID is the id of the communicator that includes every process.
const WorldID = "world"

// Communicator is a process group: an ordered list of world ranks that the collective
// operations are scoped to. Ranks given to its methods are in-group ranks, from 0 to Size()-1.
//
// A Communicator is used by a single goroutine: the one driving the rank it belongs to.
type Communicator struct {
	transport Transport
	id        string
	members   []int // World ranks, indexed by in-group rank.
	rank      int   // In-group rank of the calling process.
	numSplits int
}

// World returns the communicator including every process of the transport, with in-group
// ranks equal to the world ranks.
func World(transport Transport) *Communicator {
	members := make([]int, transport.Size())
	for ii := range members {
		members[ii] = ii
	}
	return &Communicator{
		transport: transport,
		id:        WorldID,
		members:   members,
		rank:      transport.Rank(),
	}
}

// ID uniquely identifies the communicator. It is the same in every member.
func (c *Communicator) ID() string { return c.id }

// Rank of the calling process within the group.
func (c *Communicator) Rank() int { return c.rank }

// Size is the number of processes in the group.
func (c *Communicator) Size() int { return len(c.members) }

// Members returns the world ranks of the group, indexed by in-group rank.
func (c *Communicator) Members() []int { return slices.Clone(c.members) }

// WorldRank converts an in-group rank to a world rank.
func (c *Communicator) WorldRank(rank int) int { return c.members[rank] }

// Transport used by the communicator.
func (c *Communicator) Transport() Transport { return c.transport }

// String implements fmt.Stringer.
func (c *Communicator) String() string {
	return fmt.Sprintf("Communicator(%s, rank %d of %d, members=%v)", c.id, c.rank, c.Size(), c.members)
}

// Abort the whole process group -- not only this communicator: every pending and future
// operation on every rank fails with ErrAborted.
func (c *Communicator) Abort(cause error) {
	c.transport.Abort(cause)
}

func (c *Communicator) checkRank(rank int) error {
	if rank < 0 || rank >= len(c.members) {
		return errors.Errorf("%s: rank %d out of range [0, %d)", c.id, rank, len(c.members))
	}
	return nil
}

// send delivers data to the in-group rank dst.
func (c *Communicator) send(ctx context.Context, tag Tag, dst int, data []float32) error {
	if err := c.checkRank(dst); err != nil {
		return err
	}
	env := &Envelope{CommID: c.id, Source: c.transport.Rank(), Tag: tag, Data: data}
	err := c.transport.Deliver(ctx, c.members[dst], env)
	return errors.WithMessagef(err, "%s: %s to rank %d", c.id, tag, dst)
}

// recv blocks until a message from the in-group rank src arrives, and copies it to out.
func (c *Communicator) recv(ctx context.Context, tag Tag, src int, out []float32) error {
	if err := c.checkRank(src); err != nil {
		return err
	}
	data, err := c.transport.Mailbox().Take(ctx, Key{CommID: c.id, Source: c.members[src], Tag: tag})
	if err != nil {
		return errors.WithMessagef(err, "%s: %s from rank %d", c.id, tag, src)
	}
	if len(data) != len(out) {
		return errors.Errorf("%s: %s from rank %d received %d elements, expected %d",
			c.id, tag, src, len(data), len(out))
	}
	copy(out, data)
	return nil
}

// maxExactInt is the largest integer exactly representable as a float32.
const maxExactInt = 1 << 24

// Split partitions the communicator into disjoint groups, one per distinct color, like MPI_Comm_split.
// Within a new group, ranks are ordered by key, and ties are broken by the rank in this communicator.
//
// It is a collective operation: every member must call it, in the same order relative to
// other operations on the communicator. Colors must be non-negative, and colors and keys must
// be smaller than 2^24 in absolute value.
func (c *Communicator) Split(ctx context.Context, color, key int) (*Communicator, error) {
	if color < 0 || color >= maxExactInt || key <= -maxExactInt || key >= maxExactInt {
		return nil, errors.Errorf("%s: Split(color=%d, key=%d) out of range", c.id, color, key)
	}
	all := make([]float32, 2*c.Size())
	if err := c.allGather(ctx, TagSplit, []float32{float32(color), float32(key)}, all); err != nil {
		return nil, err
	}

	type candidate struct{ key, parentRank int }
	var candidates []candidate
	for parentRank := 0; parentRank < c.Size(); parentRank++ {
		if int(all[2*parentRank]) == color {
			candidates = append(candidates, candidate{key: int(all[2*parentRank+1]), parentRank: parentRank})
		}
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if a.key != b.key {
			return a.key - b.key
		}
		return a.parentRank - b.parentRank
	})

	child := &Communicator{
		transport: c.transport,
		id:        fmt.Sprintf("%s/%d.%d", c.id, c.numSplits, color),
		members:   make([]int, len(candidates)),
	}
	c.numSplits++
	for ii, cand := range candidates {
		child.members[ii] = c.members[cand.parentRank]
		if cand.parentRank == c.rank {
			child.rank = ii
		}
	}
	klog.V(2).Infof("world rank %d: split %s -> %s", c.transport.Rank(), c.id, child)
	return child, nil
}
