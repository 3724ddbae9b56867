// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective implements the communication primitives used by the 3D-parallel
// training step: all-gather, all-reduce-mean, point-to-point send/recv and broadcast,
// each scoped to an explicit process group (a Communicator).
//
// The primitives are built on top of a Transport, which only knows how to deliver a
// message to the Mailbox of another world rank. Two transports are provided:
// package localnet runs every rank as a goroutine in the same process, and package
// grpcnet runs one process per rank connected with gRPC.
//
// All operations are blocking, and it is a correctness requirement that every member
// of a group issues the matching calls, with matching sizes and in the same order:
// otherwise the program deadlocks. There are no timeouts and no retries: a failed or
// hung peer invalidates the whole step, and the only way out is Communicator.Abort.
package collective

import (
	"context"
	"fmt"
)

// Tag identifies the kind of operation a message belongs to. Messages are only matched
// against receives of the same tag.
type Tag int32

const (
	TagSendRecv Tag = iota + 1
	TagAllGather
	TagAllReduce
	TagBroadcast
	TagSplit
	TagBarrier

	// TagAbort is used by transports to propagate an abort to the other processes.
	// It never reaches a Mailbox queue.
	TagAbort
)

// String implements fmt.Stringer.
func (t Tag) String() string {
	switch t {
	case TagSendRecv:
		return "SendRecv"
	case TagAllGather:
		return "AllGather"
	case TagAllReduce:
		return "AllReduce"
	case TagBroadcast:
		return "Broadcast"
	case TagSplit:
		return "Split"
	case TagBarrier:
		return "Barrier"
	case TagAbort:
		return "Abort"
	default:
		return fmt.Sprintf("Tag(%d)", int32(t))
	}
}

// Envelope is one message in flight between two world ranks.
type Envelope struct {
	// CommID identifies the Communicator (process group) the message belongs to.
	CommID string

	// Source is the world rank of the sender.
	Source int

	Tag  Tag
	Data []float32
}

// Key returns the key used to match the envelope with a receive.
func (e *Envelope) Key() Key {
	return Key{CommID: e.CommID, Source: e.Source, Tag: e.Tag}
}

// Key matches messages to receives: messages with the same key are received in the order they were delivered.
type Key struct {
	CommID string
	Source int
	Tag    Tag
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s/src=%d/%s", k.CommID, k.Source, k.Tag)
}

// Transport connects the calling process (one world rank) to every other rank.
type Transport interface {
	// Rank is the world rank of the calling process.
	Rank() int

	// Size is the number of processes in the world.
	Size() int

	// Deliver the envelope to the Mailbox of the world rank dst.
	// It returns once the message has been queued at the destination (not when it is received),
	// and the envelope's data can be reused by the caller right after it returns.
	Deliver(ctx context.Context, dst int, env *Envelope) error

	// Mailbox where messages delivered to this rank are queued.
	Mailbox() *Mailbox

	// Abort the whole process group: every pending and future operation on every rank fails
	// with ErrAborted. It is best-effort for the remote ranks.
	Abort(cause error)
}
