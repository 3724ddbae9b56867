// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localnet

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	var count atomic.Int32
	err := Run(context.Background(), 4, func(ctx context.Context, world *collective.Communicator) error {
		count.Add(1)
		assert.Equal(t, 4, world.Size())
		assert.Equal(t, collective.WorldID, world.ID())
		return world.Barrier(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), count.Load())
}

func TestRunAbortsOnError(t *testing.T) {
	failure := errors.New("rank 2 failed")
	err := Run(context.Background(), 3, func(ctx context.Context, world *collective.Communicator) error {
		if world.Rank() == 2 {
			return failure
		}
		// Ranks 0 and 1 would block forever waiting for rank 2.
		buf := make([]float32, 1)
		return world.Recv(ctx, buf, 2)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
}

func TestRunRecoversPanic(t *testing.T) {
	err := Run(context.Background(), 2, func(ctx context.Context, world *collective.Communicator) error {
		if world.Rank() == 1 {
			panic("boom")
		}
		return world.Barrier(ctx)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank 1 panicked: boom")
}

func TestDeliver(t *testing.T) {
	w := NewWorld(2)
	ctx := context.Background()
	data := []float32{1, 2, 3}
	env := &collective.Envelope{CommID: "test", Source: 0, Tag: collective.TagSendRecv, Data: data}
	require.NoError(t, w.Transport(0).Deliver(ctx, 1, env))
	data[0] = 100 // Delivered data must have been copied.

	got, err := w.Transport(1).Mailbox().Take(ctx, env.Key())
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got)

	require.Error(t, w.Transport(0).Deliver(ctx, 2, env))

	w.Transport(1).Abort(errors.New("stop"))
	assert.True(t, w.Transport(0).Mailbox().Aborted())
	err = w.Transport(0).Deliver(ctx, 1, env)
	assert.ErrorIs(t, err, collective.ErrAborted)
}
