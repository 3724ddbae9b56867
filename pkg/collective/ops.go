// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"

	"github.com/pkg/errors"
)

// Send blocks until buf is delivered to the in-group rank dst, where it will be matched by a Recv.
// Messages between a pair of ranks are received in the order they were sent.
func (c *Communicator) Send(ctx context.Context, buf []float32, dst int) error {
	return c.send(ctx, TagSendRecv, dst, buf)
}

// Recv blocks until a message from the in-group rank src arrives and copies it into buf.
// The message must have exactly len(buf) elements.
func (c *Communicator) Recv(ctx context.Context, buf []float32, src int) error {
	return c.recv(ctx, TagSendRecv, src, buf)
}

// AllGather concatenates the shard of every member into out, ordered by ascending in-group rank.
//
// Every member must call it with shards of the same length, and len(out) must be len(shard) * Size().
// out must not overlap shard.
func (c *Communicator) AllGather(ctx context.Context, shard, out []float32) error {
	return c.allGather(ctx, TagAllGather, shard, out)
}

func (c *Communicator) allGather(ctx context.Context, tag Tag, shard, out []float32) error {
	n := len(shard)
	if len(out) != n*c.Size() {
		return errors.Errorf("%s: %s of shards of %d elements over %d ranks requires an output of %d elements, got %d",
			c.id, tag, n, c.Size(), n*c.Size(), len(out))
	}
	for dst := 0; dst < c.Size(); dst++ {
		if dst == c.rank {
			continue
		}
		if err := c.send(ctx, tag, dst, shard); err != nil {
			return err
		}
	}
	copy(out[c.rank*n:(c.rank+1)*n], shard)
	for src := 0; src < c.Size(); src++ {
		if src == c.rank {
			continue
		}
		if err := c.recv(ctx, tag, src, out[src*n:(src+1)*n]); err != nil {
			return err
		}
	}
	return nil
}

// AllReduceMean replaces buf, element-wise, by the mean of buf across every member of the group.
//
// The values are summed in in-group rank order, so every member ends with bit-identical results.
func (c *Communicator) AllReduceMean(ctx context.Context, buf []float32) error {
	size := c.Size()
	if size == 1 {
		return nil
	}
	n := len(buf)
	gathered := make([]float32, n*size)
	if err := c.allGather(ctx, TagAllReduce, buf, gathered); err != nil {
		return err
	}
	for ii := range buf {
		var sum float64
		for r := 0; r < size; r++ {
			sum += float64(gathered[r*n+ii])
		}
		buf[ii] = float32(sum / float64(size))
	}
	return nil
}

// Broadcast copies buf from the in-group rank root to every other member.
func (c *Communicator) Broadcast(ctx context.Context, buf []float32, root int) error {
	if err := c.checkRank(root); err != nil {
		return err
	}
	if c.rank != root {
		return c.recv(ctx, TagBroadcast, root, buf)
	}
	for dst := 0; dst < c.Size(); dst++ {
		if dst == root {
			continue
		}
		if err := c.send(ctx, TagBroadcast, dst, buf); err != nil {
			return err
		}
	}
	return nil
}

// Barrier blocks until every member of the group has called it.
func (c *Communicator) Barrier(ctx context.Context) error {
	return c.allGather(ctx, TagBarrier, nil, nil)
}
